package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"conveyor/internal/models"
)

// Postgres is the pgx-backed Store used in production.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, name, queue_id, user_id, payload, priority, status, attempts, max_retries, progress, result, last_error, scheduled_at, started_at, completed_at, webhook_url, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job         models.Job
		payload     []byte
		result      []byte
		lastErr     pgtype.Text
		webhookURL  pgtype.Text
		scheduledAt pgtype.Timestamptz
		startedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&job.ID, &job.Name, &job.QueueID, &job.UserID, &payload, &job.Priority,
		&job.Status, &job.Attempts, &job.MaxRetries, &job.Progress, &result,
		&lastErr, &scheduledAt, &startedAt, &completedAt, &webhookURL, &job.CreatedAt,
	)
	if err != nil {
		return models.Job{}, err
	}
	job.Payload = payload
	job.Result = result
	job.LastError = textPtr(lastErr)
	job.WebhookURL = textPtr(webhookURL)
	job.ScheduledAt = tsPtr(scheduledAt)
	job.StartedAt = tsPtr(startedAt)
	job.CompletedAt = tsPtr(completedAt)
	return job, nil
}

// CreateJob inserts a job row. Status and max_retries arrive resolved.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, name, queue_id, user_id, payload, priority, status, attempts, max_retries, progress, scheduled_at, webhook_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, 0, $9, $10, $11)
		RETURNING `+jobColumns+`
	`, id, p.Name, p.QueueID, p.UserID, []byte(p.Payload), p.Priority, p.Status, p.MaxRetries, p.ScheduledAt, p.WebhookURL, now)

	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetJobForUser fetches a job only if it is owned by userID.
func (s *Postgres) GetJobForUser(ctx context.Context, id, userID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND user_id = $2`, id, userID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job for user: %w", err)
	}
	return job, nil
}

// ListJobs returns a filtered page of jobs plus the unpaged total.
func (s *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, int64, error) {
	where := `WHERE user_id = $1`
	args := []any{f.UserID}
	if f.QueueID != "" {
		args = append(args, f.QueueID)
		where += fmt.Sprintf(" AND queue_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	q := fmt.Sprintf(`SELECT %s FROM jobs %s ORDER BY priority DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// DeleteJob removes a job owned by userID.
func (s *Postgres) DeleteJob(ctx context.Context, id, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) CountJobsCreatedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE user_id = $1 AND created_at >= $2
	`, userID, since).Scan(&n)
	return n, err
}

// SelectRunnable returns due runnable jobs from unpaused queues, best first.
func (s *Postgres) SelectRunnable(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixed("j", jobColumns)+`
		FROM jobs j
		JOIN queues q ON q.id = j.queue_id
		WHERE q.is_paused = FALSE
		  AND (j.status = 'PENDING' OR (j.status = 'SCHEDULED' AND j.scheduled_at <= $1))
		ORDER BY j.priority DESC, j.created_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select runnable: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runnable job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// StartJob moves a PENDING or due SCHEDULED job to RUNNING.
func (s *Postgres) StartJob(ctx context.Context, id string, now time.Time) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'RUNNING', started_at = $2
		WHERE id = $1
		  AND (status = 'PENDING' OR (status = 'SCHEDULED' AND scheduled_at <= $2))
		RETURNING `+jobColumns, id, now)
	return guardedScan(row, "start job")
}

// CompleteJob moves a RUNNING job to COMPLETED with full progress.
func (s *Postgres) CompleteJob(ctx context.Context, id string, result json.RawMessage, now time.Time) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'COMPLETED', progress = 100, completed_at = $3, result = $2
		WHERE id = $1 AND status = 'RUNNING'
		RETURNING `+jobColumns, id, []byte(result), now)
	return guardedScan(row, "complete job")
}

// FailJob increments attempts atomically and lands on RETRYING while the
// post-increment count stays below max_retries, else on FAILED.
func (s *Postgres) FailJob(ctx context.Context, id, errMsg string, now time.Time) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN attempts + 1 < max_retries THEN 'RETRYING' ELSE 'FAILED' END,
		    completed_at = CASE WHEN attempts + 1 < max_retries THEN NULL ELSE $3 END
		WHERE id = $1 AND status = 'RUNNING'
		RETURNING `+jobColumns, id, errMsg, now)
	return guardedScan(row, "fail job")
}

// ScheduleRetry parks a RETRYING job as SCHEDULED with its next eligibility.
func (s *Postgres) ScheduleRetry(ctx context.Context, id string, at time.Time) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'SCHEDULED', scheduled_at = $2
		WHERE id = $1 AND status = 'RETRYING'
		RETURNING `+jobColumns, id, at)
	return guardedScan(row, "schedule retry")
}

// CancelJob marks a PENDING, SCHEDULED, or RUNNING job CANCELLED.
func (s *Postgres) CancelJob(ctx context.Context, id string, now time.Time) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'CANCELLED', completed_at = $2
		WHERE id = $1 AND status IN ('PENDING', 'SCHEDULED', 'RUNNING')
		RETURNING `+jobColumns, id, now)
	return guardedScan(row, "cancel job")
}

// SetJobProgress writes progress unless the job already reached a terminal state.
func (s *Postgres) SetJobProgress(ctx context.Context, id string, progress int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
	`, id, progress)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func guardedScan(row rowScanner, op string) (models.Job, error) {
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrConflict
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

func (s *Postgres) CountFailedSince(ctx context.Context, userID, queueID string, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE user_id = $1 AND ($2 = '' OR queue_id::text = $2)
		  AND status = 'FAILED' AND completed_at >= $3
	`, userID, queueID, since).Scan(&n)
	return n, err
}

func (s *Postgres) CountCompletedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE user_id = $1 AND status = 'COMPLETED' AND completed_at >= $2
	`, userID, since).Scan(&n)
	return n, err
}

// JobStatusCounts groups the user's jobs by status.
func (s *Postgres) JobStatusCounts(ctx context.Context, userID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE user_id = $1 GROUP BY status
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// JobsPerDay aggregates job creation per calendar day since the given time.
func (s *Postgres) JobsPerDay(ctx context.Context, userID string, since time.Time) ([]DayCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT to_char(created_at::date, 'YYYY-MM-DD') AS day, COUNT(*)
		FROM jobs
		WHERE user_id = $1 AND created_at >= $2
		GROUP BY created_at::date
		ORDER BY created_at::date
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("jobs per day: %w", err)
	}
	defer rows.Close()

	var out []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

const queueColumns = `id, user_id, name, description, is_paused, max_retries, retry_delay_ms, created_at`

func scanQueue(row rowScanner, withCount bool) (models.Queue, error) {
	var (
		q       models.Queue
		desc    pgtype.Text
		delayMS int64
	)
	dest := []any{&q.ID, &q.UserID, &q.Name, &desc, &q.IsPaused, &q.MaxRetries, &delayMS, &q.CreatedAt}
	if withCount {
		dest = append(dest, &q.JobCount)
	}
	if err := row.Scan(dest...); err != nil {
		return models.Queue{}, err
	}
	q.Description = textPtr(desc)
	q.RetryDelay = time.Duration(delayMS) * time.Millisecond
	return q, nil
}

// CreateQueue inserts a queue row.
func (s *Postgres) CreateQueue(ctx context.Context, p CreateQueueParams) (models.Queue, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO queues (id, user_id, name, description, is_paused, max_retries, retry_delay_ms, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7)
		RETURNING `+queueColumns,
		id, p.UserID, p.Name, p.Description, p.MaxRetries, p.RetryDelay.Milliseconds(), now)
	q, err := scanQueue(row, false)
	if err != nil {
		return models.Queue{}, fmt.Errorf("insert queue: %w", err)
	}
	return q, nil
}

// GetQueue fetches a queue owned by userID, including its job count.
func (s *Postgres) GetQueue(ctx context.Context, id, userID string) (models.Queue, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+`, (SELECT COUNT(*) FROM jobs j WHERE j.queue_id = queues.id)
		FROM queues WHERE id = $1 AND user_id = $2
	`, id, userID)
	q, err := scanQueue(row, true)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Queue{}, ErrNotFound
	}
	if err != nil {
		return models.Queue{}, fmt.Errorf("get queue: %w", err)
	}
	return q, nil
}

// GetQueueByID fetches a queue regardless of owner. Engine-internal use.
func (s *Postgres) GetQueueByID(ctx context.Context, id string) (models.Queue, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queues WHERE id = $1`, id)
	q, err := scanQueue(row, false)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Queue{}, ErrNotFound
	}
	if err != nil {
		return models.Queue{}, fmt.Errorf("get queue by id: %w", err)
	}
	return q, nil
}

func (s *Postgres) ListQueues(ctx context.Context, userID string) ([]models.Queue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+queueColumns+`, (SELECT COUNT(*) FROM jobs j WHERE j.queue_id = queues.id)
		FROM queues WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var queues []models.Queue
	for rows.Next() {
		q, err := scanQueue(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

// UpdateQueue applies a partial update; nil patch fields are untouched.
func (s *Postgres) UpdateQueue(ctx context.Context, id, userID string, patch QueuePatch) error {
	var set []string
	args := []any{id, userID}
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.IsPaused != nil {
		add("is_paused", *patch.IsPaused)
	}
	if patch.MaxRetries != nil {
		add("max_retries", *patch.MaxRetries)
	}
	if patch.RetryDelay != nil {
		add("retry_delay_ms", patch.RetryDelay.Milliseconds())
	}
	if len(set) == 0 {
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE queues SET %s WHERE id = $1 AND user_id = $2`, strings.Join(set, ", ")), args...)
	if err != nil {
		return fmt.Errorf("update queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteQueue removes a queue; its jobs cascade at the schema level.
func (s *Postgres) DeleteQueue(ctx context.Context, id, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queues WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) CountQueues(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queues WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

const webhookColumns = `id, user_id, queue_id, name, url, secret, on_complete, on_fail, on_retry, is_active, created_at`

func scanWebhook(row rowScanner) (models.Webhook, error) {
	var (
		w       models.Webhook
		queueID pgtype.Text
		secret  pgtype.Text
	)
	err := row.Scan(&w.ID, &w.UserID, &queueID, &w.Name, &w.URL, &secret,
		&w.OnComplete, &w.OnFail, &w.OnRetry, &w.IsActive, &w.CreatedAt)
	if err != nil {
		return models.Webhook{}, err
	}
	w.QueueID = textPtr(queueID)
	w.Secret = textPtr(secret)
	return w, nil
}

// CreateWebhook inserts an active webhook row.
func (s *Postgres) CreateWebhook(ctx context.Context, p CreateWebhookParams) (models.Webhook, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO webhooks (id, user_id, queue_id, name, url, secret, on_complete, on_fail, on_retry, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $10)
		RETURNING `+webhookColumns,
		id, p.UserID, p.QueueID, p.Name, p.URL, p.Secret, p.OnComplete, p.OnFail, p.OnRetry, now)
	w, err := scanWebhook(row)
	if err != nil {
		return models.Webhook{}, fmt.Errorf("insert webhook: %w", err)
	}
	return w, nil
}

func (s *Postgres) ListWebhooks(ctx context.Context, userID string) ([]models.Webhook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhooks WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

// WebhooksForJob returns the owner's active hooks bound to the job's queue or to all queues.
func (s *Postgres) WebhooksForJob(ctx context.Context, job models.Job) ([]models.Webhook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhooks
		WHERE user_id = $1 AND is_active = TRUE AND (queue_id = $2 OR queue_id IS NULL)
		ORDER BY created_at ASC
	`, job.UserID, job.QueueID)
	if err != nil {
		return nil, fmt.Errorf("webhooks for job: %w", err)
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

func collectWebhooks(rows pgx.Rows) ([]models.Webhook, error) {
	var hooks []models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}

func (s *Postgres) DeleteWebhook(ctx context.Context, id, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const alertColumns = `id, user_id, type, channel, destination, threshold, window_minutes, last_sent, is_active, created_at`

func scanAlert(row rowScanner) (models.Alert, error) {
	var (
		a        models.Alert
		lastSent pgtype.Timestamptz
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Type, &a.Channel, &a.Destination,
		&a.Threshold, &a.WindowMinutes, &lastSent, &a.IsActive, &a.CreatedAt)
	if err != nil {
		return models.Alert{}, err
	}
	a.LastSent = tsPtr(lastSent)
	return a, nil
}

// CreateAlert inserts an active alert rule.
func (s *Postgres) CreateAlert(ctx context.Context, p CreateAlertParams) (models.Alert, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO alerts (id, user_id, type, channel, destination, threshold, window_minutes, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
		RETURNING `+alertColumns,
		id, p.UserID, p.Type, p.Channel, p.Destination, p.Threshold, p.WindowMinutes, now)
	a, err := scanAlert(row)
	if err != nil {
		return models.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	return a, nil
}

func (s *Postgres) ListAlerts(ctx context.Context, userID string) ([]models.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+` FROM alerts WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

func (s *Postgres) ActiveAlerts(ctx context.Context, userID, alertType string) ([]models.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE user_id = $1 AND type = $2 AND is_active = TRUE
	`, userID, alertType)
	if err != nil {
		return nil, fmt.Errorf("active alerts: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

func collectAlerts(rows pgx.Rows) ([]models.Alert, error) {
	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *Postgres) MarkAlertSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE alerts SET last_sent = $2 WHERE id = $1`, id, at)
	return err
}

func (s *Postgres) DeleteAlert(ctx context.Context, id, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM alerts WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendJobLog adds an audit row. Rows are never updated or deleted.
func (s *Postgres) AppendJobLog(ctx context.Context, jobID, level, message string, metadata json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (id, job_id, level, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), jobID, level, message, []byte(metadata))
	return err
}

func (s *Postgres) ListJobLogs(ctx context.Context, jobID string, limit int) ([]models.JobLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, level, message, metadata, created_at
		FROM job_logs WHERE job_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()

	var logs []models.JobLog
	for rows.Next() {
		var l models.JobLog
		var metadata []byte
		if err := rows.Scan(&l.ID, &l.JobID, &l.Level, &l.Message, &metadata, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		l.Metadata = metadata
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetUserByAPIKey resolves the account behind an API key and touches its last-used time.
func (s *Postgres) GetUserByAPIKey(ctx context.Context, key string) (models.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT u.id, u.email, u.name, u.plan, u.subscription_status, u.created_at
		FROM users u JOIN api_keys k ON k.user_id = u.id
		WHERE k.key = $1
	`, key)
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Plan, &u.SubscriptionStatus, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("user by api key: %w", err)
	}
	_, _ = s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE key = $1`, key)
	return u, nil
}

func (s *Postgres) CreateAPIKey(ctx context.Context, userID, name, key string) (models.APIKey, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, name, key, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, userID, name, key, now)
	if err != nil {
		return models.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return models.APIKey{ID: id, UserID: userID, Name: name, Key: key, CreatedAt: now}, nil
}

func (s *Postgres) ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, key, last_used_at, created_at
		FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		var k models.APIKey
		var lastUsed pgtype.Timestamptz
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.Key, &lastUsed, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		k.LastUsedAt = tsPtr(lastUsed)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Postgres) DeleteAPIKey(ctx context.Context, id, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

// prefixed qualifies each column in a comma-separated list with a table alias.
func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}
