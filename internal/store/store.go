package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"conveyor/internal/models"
)

// Sentinel errors shared by both store implementations.
var (
	// ErrNotFound means the entity does not exist or is not owned by the caller.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a guarded update matched no row because the job's
	// status moved underneath the caller. Every state transition goes through
	// such a guarded update; racing callers lose with ErrConflict.
	ErrConflict = errors.New("store: status conflict")
)

// CreateJobParams collects inputs required to insert a job. Status and
// MaxRetries arrive already resolved by the lifecycle manager.
type CreateJobParams struct {
	Name        string
	QueueID     string
	UserID      string
	Payload     json.RawMessage
	Priority    int
	Status      string
	MaxRetries  int
	ScheduledAt *time.Time
	WebhookURL  *string
}

// JobFilter narrows job listings. Zero values mean "no filter".
type JobFilter struct {
	UserID  string
	QueueID string
	Status  string
	Limit   int
	Offset  int
}

// CreateQueueParams collects inputs required to insert a queue.
type CreateQueueParams struct {
	UserID      string
	Name        string
	Description *string
	MaxRetries  int
	RetryDelay  time.Duration
}

// QueuePatch carries partial queue updates; nil fields are left untouched.
type QueuePatch struct {
	Name        *string
	Description *string
	IsPaused    *bool
	MaxRetries  *int
	RetryDelay  *time.Duration
}

// CreateWebhookParams collects inputs required to insert a webhook.
type CreateWebhookParams struct {
	UserID     string
	QueueID    *string
	Name       string
	URL        string
	Secret     *string
	OnComplete bool
	OnFail     bool
	OnRetry    bool
}

// CreateAlertParams collects inputs required to insert an alert rule.
type CreateAlertParams struct {
	UserID        string
	Type          string
	Channel       string
	Destination   string
	Threshold     int
	WindowMinutes int
}

// DayCount is one day's job creation total for the stats aggregate.
type DayCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// Store is the entity store the engine is written against. Both the pgx
// implementation and the in-memory one used in tests satisfy it.
//
// All job state transitions go through the guarded Start/Complete/Fail/
// ScheduleRetry/Cancel methods below; any other write of job status is a
// correctness bug.
type Store interface {
	// Users and API keys.
	GetUserByAPIKey(ctx context.Context, key string) (models.User, error)
	CreateAPIKey(ctx context.Context, userID, name, key string) (models.APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error)
	DeleteAPIKey(ctx context.Context, id, userID string) error

	// Queues.
	CreateQueue(ctx context.Context, p CreateQueueParams) (models.Queue, error)
	GetQueue(ctx context.Context, id, userID string) (models.Queue, error)
	GetQueueByID(ctx context.Context, id string) (models.Queue, error)
	ListQueues(ctx context.Context, userID string) ([]models.Queue, error)
	UpdateQueue(ctx context.Context, id, userID string, patch QueuePatch) error
	DeleteQueue(ctx context.Context, id, userID string) error
	CountQueues(ctx context.Context, userID string) (int64, error)

	// Jobs.
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetJobForUser(ctx context.Context, id, userID string) (models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, int64, error)
	DeleteJob(ctx context.Context, id, userID string) error
	CountJobsCreatedSince(ctx context.Context, userID string, since time.Time) (int64, error)

	// SelectRunnable returns up to limit jobs that are PENDING, or SCHEDULED
	// and due at now, excluding paused queues; priority descending then
	// created_at ascending. Read-only.
	SelectRunnable(ctx context.Context, now time.Time, limit int) ([]models.Job, error)

	// Guarded transitions. Each matches the job only in its legal pre-states
	// and returns ErrConflict otherwise.
	StartJob(ctx context.Context, id string, now time.Time) (models.Job, error)
	CompleteJob(ctx context.Context, id string, result json.RawMessage, now time.Time) (models.Job, error)
	// FailJob atomically increments attempts and lands on RETRYING or FAILED
	// depending on whether the post-increment count is still below max_retries.
	FailJob(ctx context.Context, id, errMsg string, now time.Time) (models.Job, error)
	ScheduleRetry(ctx context.Context, id string, at time.Time) (models.Job, error)
	CancelJob(ctx context.Context, id string, now time.Time) (models.Job, error)
	// SetJobProgress writes progress on a non-terminal job only.
	SetJobProgress(ctx context.Context, id string, progress int) error

	// Failure-rate and stats queries. An empty queueID counts across all of
	// the user's queues.
	CountFailedSince(ctx context.Context, userID, queueID string, since time.Time) (int64, error)
	CountCompletedSince(ctx context.Context, userID string, since time.Time) (int64, error)
	JobStatusCounts(ctx context.Context, userID string) (map[string]int64, error)
	JobsPerDay(ctx context.Context, userID string, since time.Time) ([]DayCount, error)

	// Webhooks.
	CreateWebhook(ctx context.Context, p CreateWebhookParams) (models.Webhook, error)
	ListWebhooks(ctx context.Context, userID string) ([]models.Webhook, error)
	// WebhooksForJob returns the owner's active webhooks bound to the job's
	// queue or to no queue at all.
	WebhooksForJob(ctx context.Context, job models.Job) ([]models.Webhook, error)
	DeleteWebhook(ctx context.Context, id, userID string) error

	// Alerts.
	CreateAlert(ctx context.Context, p CreateAlertParams) (models.Alert, error)
	ListAlerts(ctx context.Context, userID string) ([]models.Alert, error)
	ActiveAlerts(ctx context.Context, userID, alertType string) ([]models.Alert, error)
	MarkAlertSent(ctx context.Context, id string, at time.Time) error
	DeleteAlert(ctx context.Context, id, userID string) error

	// Job logs (append-only).
	AppendJobLog(ctx context.Context, jobID, level, message string, metadata json.RawMessage) error
	ListJobLogs(ctx context.Context, jobID string, limit int) ([]models.JobLog, error)
}
