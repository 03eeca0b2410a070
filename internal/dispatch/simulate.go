package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"conveyor/internal/models"
)

// simulatePayload is the shape understood by the default handler. Jobs with
// an unregistered payload type run through here so the pipeline can be
// exercised end to end without a real workload attached.
type simulatePayload struct {
	ShouldFail  bool   `json:"should_fail"`
	FailMessage string `json:"fail_message"`
	DurationMS  int64  `json:"duration_ms"`
}

const progressSteps = 10

func (l *Loop) handleDefault(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var p simulatePayload
	_ = json.Unmarshal(job.Payload, &p)

	duration := time.Duration(p.DurationMS) * time.Millisecond
	if duration > 0 {
		step := duration / progressSteps
		for i := 1; i <= progressSteps; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(step):
			}
			if l.Cancelled(ctx, job.ID) {
				return nil, errCancelled
			}
			_ = l.lifecycle.UpdateProgress(ctx, job.ID, i*100/progressSteps)
		}
	}

	if p.ShouldFail {
		msg := p.FailMessage
		if msg == "" {
			msg = "simulated failure"
		}
		return nil, errors.New(msg)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

var errCancelled = errors.New("job cancelled")
