// Package lifecycle owns the job state machine. It is the only writer of job
// status; every transition goes through the store's guarded updates so that
// racing callers resolve to exactly one winner.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"conveyor/internal/models"
	"conveyor/internal/retry"
	"conveyor/internal/store"
	"conveyor/internal/telemetry"
)

var (
	// ErrInvalidTransition means the requested operation is not legal from the
	// job's current status.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
	// ErrValidation means the input is malformed or missing a required field.
	ErrValidation = errors.New("lifecycle: invalid input")
)

// Notifier delivers lifecycle event webhooks.
type Notifier interface {
	Dispatch(ctx context.Context, job models.Job, event string)
}

// AlertEvaluator evaluates failure alerts after a permanent failure.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, userID, queueID string)
}

// Manager drives job transitions against the entity store.
type Manager struct {
	store  store.Store
	hooks  Notifier
	alerts AlertEvaluator
	log    *logrus.Logger
	now    func() time.Time

	sideEffects effectRunner
}

// New builds a lifecycle manager. hooks and alerts may be nil in contexts
// that do not deliver notifications (some tests).
func New(st store.Store, hooks Notifier, alerts AlertEvaluator, log *logrus.Logger) *Manager {
	return &Manager{
		store:  st,
		hooks:  hooks,
		alerts: alerts,
		log:    log,
		now:    time.Now,
	}
}

// Wait blocks until all in-flight webhook/alert side effects finish.
// Used on shutdown and in tests.
func (m *Manager) Wait() {
	m.sideEffects.wait()
}

// CreateParams collects inputs for job creation.
type CreateParams struct {
	Name        string
	QueueID     string
	UserID      string
	Payload     json.RawMessage
	Priority    int
	ScheduledAt *time.Time
	MaxRetries  *int
	WebhookURL  *string
}

// Create inserts a job into its queue. The initial status is SCHEDULED when a
// future scheduledAt is supplied, else PENDING; maxRetries defaults to the
// queue's setting.
func (m *Manager) Create(ctx context.Context, p CreateParams) (models.Job, error) {
	if p.Name == "" || p.QueueID == "" || len(p.Payload) == 0 {
		return models.Job{}, fmt.Errorf("%w: name, queue id, and payload are required", ErrValidation)
	}
	queue, err := m.store.GetQueueByID(ctx, p.QueueID)
	if err != nil {
		return models.Job{}, err
	}
	if queue.UserID != p.UserID {
		return models.Job{}, store.ErrNotFound
	}

	maxRetries := queue.MaxRetries
	if p.MaxRetries != nil {
		maxRetries = *p.MaxRetries
	}
	status := models.StatusPending
	if p.ScheduledAt != nil && p.ScheduledAt.After(m.now()) {
		status = models.StatusScheduled
	}

	job, err := m.store.CreateJob(ctx, store.CreateJobParams{
		Name:        p.Name,
		QueueID:     p.QueueID,
		UserID:      p.UserID,
		Payload:     p.Payload,
		Priority:    p.Priority,
		Status:      status,
		MaxRetries:  maxRetries,
		ScheduledAt: p.ScheduledAt,
		WebhookURL:  p.WebhookURL,
	})
	if err != nil {
		return models.Job{}, err
	}

	m.appendLog(ctx, job.ID, models.LogInfo, "Job created: "+job.Name)
	telemetry.JobsCreated.Inc()
	return job, nil
}

// Start moves a PENDING or due SCHEDULED job to RUNNING.
func (m *Manager) Start(ctx context.Context, jobID string) (models.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}

	started, err := m.store.StartJob(ctx, jobID, m.now().UTC())
	if errors.Is(err, store.ErrConflict) {
		return models.Job{}, fmt.Errorf("%w: cannot start job in status %s", ErrInvalidTransition, job.Status)
	}
	if err != nil {
		return models.Job{}, err
	}

	m.appendLog(ctx, jobID, models.LogInfo, "Job started")
	telemetry.JobsStarted.Inc()
	return started, nil
}

// Complete moves a RUNNING job to COMPLETED, stores its result, and notifies
// webhook targets. Re-completing an already-terminal job is an error, not a
// silent success.
func (m *Manager) Complete(ctx context.Context, jobID string, result json.RawMessage) (models.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}

	completed, err := m.store.CompleteJob(ctx, jobID, result, m.now().UTC())
	if errors.Is(err, store.ErrConflict) {
		return models.Job{}, fmt.Errorf("%w: cannot complete job in status %s", ErrInvalidTransition, job.Status)
	}
	if err != nil {
		return models.Job{}, err
	}

	m.appendLog(ctx, jobID, models.LogInfo, "Job completed successfully")
	telemetry.JobsCompleted.Inc()
	m.notify(completed, models.EventCompleted)
	return completed, nil
}

// Fail records a failed execution attempt. While attempts remain it schedules
// a retry with exponential backoff; otherwise the job fails permanently, which
// also triggers failure-alert evaluation.
func (m *Manager) Fail(ctx context.Context, jobID, errMsg string) (models.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}

	now := m.now().UTC()
	failed, err := m.store.FailJob(ctx, jobID, errMsg, now)
	if errors.Is(err, store.ErrConflict) {
		return models.Job{}, fmt.Errorf("%w: cannot fail job in status %s", ErrInvalidTransition, job.Status)
	}
	if err != nil {
		return models.Job{}, err
	}

	if failed.Status == models.StatusRetrying {
		m.appendLog(ctx, jobID, models.LogError,
			fmt.Sprintf("Job failed (attempt %d/%d), will retry: %s", failed.Attempts, failed.MaxRetries, errMsg))

		baseDelay := 60 * time.Second
		if queue, err := m.store.GetQueueByID(ctx, failed.QueueID); err == nil {
			baseDelay = queue.RetryDelay
		} else {
			m.log.WithError(err).WithField("job_id", jobID).Warn("queue lookup failed, using default retry delay")
		}
		delay := retry.Delay(failed.Attempts, baseDelay)
		at := now.Add(delay)

		if _, err := m.store.ScheduleRetry(ctx, jobID, at); err != nil {
			return models.Job{}, err
		}
		m.appendLog(ctx, jobID, models.LogInfo, "Retry scheduled for "+at.Format(time.RFC3339))
		telemetry.JobsRetried.Inc()
		// The retry event carries the RETRYING snapshot.
		m.notify(failed, models.EventRetry)
		return failed, nil
	}

	m.appendLog(ctx, jobID, models.LogError, "Job failed permanently: "+errMsg)
	telemetry.JobsFailed.Inc()
	m.notify(failed, models.EventFailed)
	if m.alerts != nil {
		userID, queueID := failed.UserID, failed.QueueID
		m.sideEffects.run(func(ctx context.Context) {
			m.alerts.Evaluate(ctx, userID, queueID)
		})
	}
	return failed, nil
}

// Cancel marks a PENDING, SCHEDULED, or RUNNING job CANCELLED. No webhook
// fires. Cancellation is advisory: an already-dispatched worker keeps running
// until it observes the status at a checkpoint.
func (m *Manager) Cancel(ctx context.Context, jobID string) (models.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}

	cancelled, err := m.store.CancelJob(ctx, jobID, m.now().UTC())
	if errors.Is(err, store.ErrConflict) {
		return models.Job{}, fmt.Errorf("%w: cannot cancel job in status %s", ErrInvalidTransition, job.Status)
	}
	if err != nil {
		return models.Job{}, err
	}

	m.appendLog(ctx, jobID, models.LogWarn, "Job cancelled")
	telemetry.JobsCancelled.Inc()
	return cancelled, nil
}

// UpdateProgress clamps value into [0,100] and stores it. Legal at any
// non-terminal status; no transition, no webhook, no audit entry.
func (m *Manager) UpdateProgress(ctx context.Context, jobID string, value int) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if value < 0 {
		value = 0
	} else if value > 100 {
		value = 100
	}
	err = m.store.SetJobProgress(ctx, jobID, value)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: cannot update progress in status %s", ErrInvalidTransition, job.Status)
	}
	return err
}

func (m *Manager) notify(job models.Job, event string) {
	if m.hooks == nil {
		return
	}
	m.sideEffects.run(func(ctx context.Context) {
		m.hooks.Dispatch(ctx, job, event)
	})
}

func (m *Manager) appendLog(ctx context.Context, jobID, level, message string) {
	if err := m.store.AppendJobLog(ctx, jobID, level, message, nil); err != nil {
		m.log.WithError(err).WithField("job_id", jobID).Warn("append job log")
	}
}
