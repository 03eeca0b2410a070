package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending   = "PENDING"
	StatusScheduled = "SCHEDULED"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusRetrying  = "RETRYING"
)

// TerminalStatuses are states a job never leaves.
var TerminalStatuses = map[string]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return TerminalStatuses[status]
}

// ValidStatus reports whether s is a known job status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusScheduled, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusRetrying:
		return true
	}
	return false
}

// Webhook events emitted on lifecycle transitions.
const (
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventRetry     = "retry"
)

// JobLog levels.
const (
	LogDebug = "DEBUG"
	LogInfo  = "INFO"
	LogWarn  = "WARN"
	LogError = "ERROR"
)

// AlertTypeJobFailed is the only alert rule type evaluated by the engine.
const AlertTypeJobFailed = "JOB_FAILED"

// AlertChannelWebhook is the only alert channel that delivers over HTTP.
const AlertChannelWebhook = "webhook"

// Job is one unit of work with an opaque payload and a lifecycle status.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	QueueID     string          `json:"queue_id"`
	UserID      string          `json:"user_id"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxRetries  int             `json:"max_retries"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	WebhookURL  *string         `json:"webhook_url,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Queue groups jobs, carries retry defaults, and can be paused to suppress selection.
type Queue struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Name        string        `json:"name"`
	Description *string       `json:"description,omitempty"`
	IsPaused    bool          `json:"is_paused"`
	MaxRetries  int           `json:"max_retries"`
	RetryDelay  time.Duration `json:"retry_delay_ms"`
	JobCount    int64         `json:"job_count"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Webhook is an outbound notification target tied to lifecycle events.
// A nil QueueID means the hook listens on every queue of its owner.
type Webhook struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	QueueID    *string   `json:"queue_id,omitempty"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Secret     *string   `json:"secret,omitempty"`
	OnComplete bool      `json:"on_complete"`
	OnFail     bool      `json:"on_fail"`
	OnRetry    bool      `json:"on_retry"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Alert is a standing failure-rate rule with window-based notification throttling.
type Alert struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Type          string     `json:"type"`
	Channel       string     `json:"channel"`
	Destination   string     `json:"destination"`
	Threshold     int        `json:"threshold"`
	WindowMinutes int        `json:"window_minutes"`
	LastSent      *time.Time `json:"last_sent,omitempty"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
}

// JobLog is an append-only lifecycle audit record. Never mutated or deleted.
type JobLog struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// User owns queues, jobs, webhooks, and alerts. Accounts are provisioned out of band.
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	Name               string    `json:"name"`
	Plan               string    `json:"plan"`
	SubscriptionStatus string    `json:"subscription_status"`
	CreatedAt          time.Time `json:"created_at"`
}

// IsPro reports whether the account is entitled to pro features.
func (u User) IsPro() bool {
	return u.Plan == "pro" && u.SubscriptionStatus == "active"
}

// APIKey authenticates requests on behalf of its owner.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	Key        string     `json:"key"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
