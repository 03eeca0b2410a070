// Package dispatch drives the loop that hands runnable jobs to workers.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"conveyor/internal/config"
	"conveyor/internal/lifecycle"
	"conveyor/internal/models"
	"conveyor/internal/selector"
	"conveyor/internal/store"
	"conveyor/internal/telemetry"
)

// Handler executes a job's payload and returns its result.
type Handler func(ctx context.Context, job models.Job) (json.RawMessage, error)

// Loop periodically selects runnable jobs, claims them through the lifecycle
// manager, and executes them on a bounded worker pool. Selection is a hint:
// when two loop instances pick the same job, the guarded start lets one win
// and the loser discards it.
type Loop struct {
	cfg       config.Config
	store     store.Store
	selector  *selector.Selector
	lifecycle *lifecycle.Manager
	handlers  map[string]Handler
	fallback  Handler
	log       *logrus.Logger
}

// NewLoop builds a dispatch loop with the default simulation handler as fallback.
func NewLoop(cfg config.Config, st store.Store, sel *selector.Selector, lm *lifecycle.Manager, log *logrus.Logger) *Loop {
	l := &Loop{
		cfg:       cfg,
		store:     st,
		selector:  sel,
		lifecycle: lm,
		handlers:  make(map[string]Handler),
		log:       log,
	}
	l.fallback = l.handleDefault
	return l
}

// RegisterHandler binds a handler to a payload type.
func (l *Loop) RegisterHandler(payloadType string, h Handler) {
	if payloadType == "" || h == nil {
		return
	}
	l.handlers[payloadType] = h
}

// Run executes the dispatch loop until context cancellation.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.DispatchInterval)
	defer ticker.Stop()

	workers := l.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	slots := make(chan struct{}, workers)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		jobs, err := l.selector.SelectNext(ctx, l.cfg.DispatchBatchSize)
		if err != nil {
			l.log.WithError(err).Error("select runnable jobs")
			continue
		}
		telemetry.DispatchBatch.Set(float64(len(jobs)))

		for _, job := range jobs {
			started, err := l.lifecycle.Start(ctx, job.ID)
			if errors.Is(err, lifecycle.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
				// Another dispatcher claimed it first, or it went away.
				continue
			}
			if err != nil {
				l.log.WithError(err).WithField("job_id", job.ID).Error("start job")
				continue
			}

			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			go func(job models.Job) {
				defer func() { <-slots }()
				l.execute(ctx, job)
			}(started)
		}
	}
}

func (l *Loop) execute(ctx context.Context, job models.Job) {
	telemetry.RunningJobs.Inc()
	defer telemetry.RunningJobs.Dec()

	result, err := l.runHandler(ctx, job)

	// Cancellation is advisory; the record may have been marked while the
	// handler ran. Observe it here rather than fight the guarded update.
	if current, gerr := l.store.GetJob(ctx, job.ID); gerr == nil && current.Status == models.StatusCancelled {
		l.log.WithField("job_id", job.ID).Info("job cancelled during execution")
		return
	}

	if err != nil {
		if _, ferr := l.lifecycle.Fail(ctx, job.ID, err.Error()); ferr != nil && !errors.Is(ferr, lifecycle.ErrInvalidTransition) {
			l.log.WithError(ferr).WithField("job_id", job.ID).Error("record job failure")
		}
		return
	}
	if _, cerr := l.lifecycle.Complete(ctx, job.ID, result); cerr != nil && !errors.Is(cerr, lifecycle.ErrInvalidTransition) {
		l.log.WithError(cerr).WithField("job_id", job.ID).Error("record job completion")
	}
}

func (l *Loop) runHandler(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(job.Payload, &envelope)

	handler, ok := l.handlers[envelope.Type]
	if !ok {
		handler = l.fallback
	}
	return handler(ctx, job)
}

// Cancelled reports whether the job record was marked CANCELLED. Handlers for
// long-running work call this at checkpoints to self-abort.
func (l *Loop) Cancelled(ctx context.Context, jobID string) bool {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Status == models.StatusCancelled
}
