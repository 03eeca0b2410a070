// Package selector chooses the next batch of runnable jobs for dispatch.
package selector

import (
	"context"
	"time"

	"conveyor/internal/models"
	"conveyor/internal/store"
)

// Selector performs the read-only runnable-job query. It never mutates status:
// selection is a hint, not a lease. Two dispatch loops may select the same job;
// the guarded start transition lets exactly one of them win.
type Selector struct {
	store store.Store
	now   func() time.Time
}

// New builds a selector over the given store.
func New(st store.Store) *Selector {
	return &Selector{store: st, now: time.Now}
}

// SelectNext returns up to limit jobs that are PENDING, or SCHEDULED and due,
// skipping paused queues; ordered by priority descending, then creation time
// ascending within a priority band.
func (s *Selector) SelectNext(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.store.SelectRunnable(ctx, s.now().UTC(), limit)
}
