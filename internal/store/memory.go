package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/models"
)

// Memory is a fully in-memory Store. Safe for concurrent access.
// Intended for unit testing and development.
type Memory struct {
	mu sync.RWMutex

	users    map[string]models.User
	apiKeys  map[string]models.APIKey
	queues   map[string]models.Queue
	jobs     map[string]models.Job
	webhooks map[string]models.Webhook
	alerts   map[string]models.Alert
	jobLogs  map[string][]models.JobLog
}

var _ Store = (*Memory)(nil)

// NewMemory returns a new empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]models.User),
		apiKeys:  make(map[string]models.APIKey),
		queues:   make(map[string]models.Queue),
		jobs:     make(map[string]models.Job),
		webhooks: make(map[string]models.Webhook),
		alerts:   make(map[string]models.Alert),
		jobLogs:  make(map[string][]models.JobLog),
	}
}

// SeedUser registers a user directly and returns it with generated fields
// filled in. Test-only convenience; the Postgres store expects accounts to be
// provisioned out of band.
func (m *Memory) SeedUser(u models.User) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = u
	return u
}

func (m *Memory) GetUserByAPIKey(_ context.Context, key string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, k := range m.apiKeys {
		if k.Key == key {
			now := time.Now().UTC()
			k.LastUsedAt = &now
			m.apiKeys[id] = k
			if u, ok := m.users[k.UserID]; ok {
				return u, nil
			}
			return models.User{}, ErrNotFound
		}
	}
	return models.User{}, ErrNotFound
}

func (m *Memory) CreateAPIKey(_ context.Context, userID, name, key string) (models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := models.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		Key:       key,
		CreatedAt: time.Now().UTC(),
	}
	m.apiKeys[k.ID] = k
	return k, nil
}

func (m *Memory) ListAPIKeys(_ context.Context, userID string) ([]models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []models.APIKey
	for _, k := range m.apiKeys {
		if k.UserID == userID {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (m *Memory) DeleteAPIKey(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.apiKeys[id]; ok && k.UserID == userID {
		delete(m.apiKeys, id)
		return nil
	}
	return ErrNotFound
}

func (m *Memory) CreateQueue(_ context.Context, p CreateQueueParams) (models.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := models.Queue{
		ID:          uuid.New().String(),
		UserID:      p.UserID,
		Name:        p.Name,
		Description: p.Description,
		MaxRetries:  p.MaxRetries,
		RetryDelay:  p.RetryDelay,
		CreatedAt:   time.Now().UTC(),
	}
	m.queues[q.ID] = q
	return q, nil
}

func (m *Memory) GetQueue(_ context.Context, id, userID string) (models.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[id]
	if !ok || q.UserID != userID {
		return models.Queue{}, ErrNotFound
	}
	q.JobCount = m.countQueueJobsLocked(id)
	return q, nil
}

func (m *Memory) GetQueueByID(_ context.Context, id string) (models.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[id]
	if !ok {
		return models.Queue{}, ErrNotFound
	}
	return q, nil
}

func (m *Memory) ListQueues(_ context.Context, userID string) ([]models.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var queues []models.Queue
	for _, q := range m.queues {
		if q.UserID != userID {
			continue
		}
		q.JobCount = m.countQueueJobsLocked(q.ID)
		queues = append(queues, q)
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].CreatedAt.After(queues[j].CreatedAt) })
	return queues, nil
}

func (m *Memory) countQueueJobsLocked(queueID string) int64 {
	var n int64
	for _, j := range m.jobs {
		if j.QueueID == queueID {
			n++
		}
	}
	return n
}

func (m *Memory) UpdateQueue(_ context.Context, id, userID string, patch QueuePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[id]
	if !ok || q.UserID != userID {
		return ErrNotFound
	}
	if patch.Name != nil {
		q.Name = *patch.Name
	}
	if patch.Description != nil {
		q.Description = patch.Description
	}
	if patch.IsPaused != nil {
		q.IsPaused = *patch.IsPaused
	}
	if patch.MaxRetries != nil {
		q.MaxRetries = *patch.MaxRetries
	}
	if patch.RetryDelay != nil {
		q.RetryDelay = *patch.RetryDelay
	}
	m.queues[id] = q
	return nil
}

func (m *Memory) DeleteQueue(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[id]
	if !ok || q.UserID != userID {
		return ErrNotFound
	}
	delete(m.queues, id)
	// Cascade, as the schema does.
	for jid, j := range m.jobs {
		if j.QueueID == id {
			delete(m.jobs, jid)
			delete(m.jobLogs, jid)
		}
	}
	for wid, w := range m.webhooks {
		if w.QueueID != nil && *w.QueueID == id {
			delete(m.webhooks, wid)
		}
	}
	return nil
}

func (m *Memory) CountQueues(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, q := range m.queues {
		if q.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := models.Job{
		ID:          uuid.New().String(),
		Name:        p.Name,
		QueueID:     p.QueueID,
		UserID:      p.UserID,
		Payload:     p.Payload,
		Priority:    p.Priority,
		Status:      p.Status,
		MaxRetries:  p.MaxRetries,
		ScheduledAt: p.ScheduledAt,
		WebhookURL:  p.WebhookURL,
		CreatedAt:   time.Now().UTC(),
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *Memory) GetJobForUser(_ context.Context, id, userID string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok || job.UserID != userID {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *Memory) ListJobs(_ context.Context, f JobFilter) ([]models.Job, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []models.Job
	for _, j := range m.jobs {
		if j.UserID != f.UserID {
			continue
		}
		if f.QueueID != "" && j.QueueID != f.QueueID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		all = append(all, j)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority > all[j].Priority
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := int64(len(all))

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *Memory) DeleteJob(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.UserID != userID {
		return ErrNotFound
	}
	delete(m.jobs, id)
	delete(m.jobLogs, id)
	return nil
}

func (m *Memory) CountJobsCreatedSince(_ context.Context, userID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, j := range m.jobs {
		if j.UserID == userID && !j.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SelectRunnable(_ context.Context, now time.Time, limit int) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Job
	for _, j := range m.jobs {
		q, ok := m.queues[j.QueueID]
		if !ok || q.IsPaused {
			continue
		}
		switch j.Status {
		case models.StatusPending:
			out = append(out, j)
		case models.StatusScheduled:
			if j.ScheduledAt != nil && !j.ScheduledAt.After(now) {
				out = append(out, j)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) StartJob(_ context.Context, id string, now time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrConflict
	}
	due := job.Status == models.StatusScheduled && job.ScheduledAt != nil && !job.ScheduledAt.After(now)
	if job.Status != models.StatusPending && !due {
		return models.Job{}, ErrConflict
	}
	job.Status = models.StatusRunning
	job.StartedAt = &now
	m.jobs[id] = job
	return job, nil
}

func (m *Memory) CompleteJob(_ context.Context, id string, result json.RawMessage, now time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusRunning {
		return models.Job{}, ErrConflict
	}
	job.Status = models.StatusCompleted
	job.Progress = 100
	job.Result = result
	job.CompletedAt = &now
	m.jobs[id] = job
	return job, nil
}

func (m *Memory) FailJob(_ context.Context, id, errMsg string, now time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusRunning {
		return models.Job{}, ErrConflict
	}
	job.Attempts++
	job.LastError = &errMsg
	if job.Attempts < job.MaxRetries {
		job.Status = models.StatusRetrying
		job.CompletedAt = nil
	} else {
		job.Status = models.StatusFailed
		job.CompletedAt = &now
	}
	m.jobs[id] = job
	return job, nil
}

func (m *Memory) ScheduleRetry(_ context.Context, id string, at time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusRetrying {
		return models.Job{}, ErrConflict
	}
	job.Status = models.StatusScheduled
	job.ScheduledAt = &at
	m.jobs[id] = job
	return job, nil
}

func (m *Memory) CancelJob(_ context.Context, id string, now time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrConflict
	}
	switch job.Status {
	case models.StatusPending, models.StatusScheduled, models.StatusRunning:
	default:
		return models.Job{}, ErrConflict
	}
	job.Status = models.StatusCancelled
	job.CompletedAt = &now
	m.jobs[id] = job
	return job, nil
}

func (m *Memory) SetJobProgress(_ context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || models.IsTerminal(job.Status) {
		return ErrConflict
	}
	job.Progress = progress
	m.jobs[id] = job
	return nil
}

func (m *Memory) CountFailedSince(_ context.Context, userID, queueID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, j := range m.jobs {
		if j.UserID == userID && (queueID == "" || j.QueueID == queueID) &&
			j.Status == models.StatusFailed &&
			j.CompletedAt != nil && !j.CompletedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountCompletedSince(_ context.Context, userID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, j := range m.jobs {
		if j.UserID == userID && j.Status == models.StatusCompleted &&
			j.CompletedAt != nil && !j.CompletedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) JobStatusCounts(_ context.Context, userID string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int64)
	for _, j := range m.jobs {
		if j.UserID == userID {
			counts[j.Status]++
		}
	}
	return counts, nil
}

func (m *Memory) JobsPerDay(_ context.Context, userID string, since time.Time) ([]DayCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byDay := make(map[string]int64)
	for _, j := range m.jobs {
		if j.UserID == userID && !j.CreatedAt.Before(since) {
			byDay[j.CreatedAt.UTC().Format("2006-01-02")]++
		}
	}
	var out []DayCount
	for day, n := range byDay {
		out = append(out, DayCount{Date: day, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *Memory) CreateWebhook(_ context.Context, p CreateWebhookParams) (models.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := models.Webhook{
		ID:         uuid.New().String(),
		UserID:     p.UserID,
		QueueID:    p.QueueID,
		Name:       p.Name,
		URL:        p.URL,
		Secret:     p.Secret,
		OnComplete: p.OnComplete,
		OnFail:     p.OnFail,
		OnRetry:    p.OnRetry,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
	m.webhooks[w.ID] = w
	return w, nil
}

func (m *Memory) ListWebhooks(_ context.Context, userID string) ([]models.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hooks []models.Webhook
	for _, w := range m.webhooks {
		if w.UserID == userID {
			hooks = append(hooks, w)
		}
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].CreatedAt.After(hooks[j].CreatedAt) })
	return hooks, nil
}

func (m *Memory) WebhooksForJob(_ context.Context, job models.Job) ([]models.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hooks []models.Webhook
	for _, w := range m.webhooks {
		if w.UserID != job.UserID || !w.IsActive {
			continue
		}
		if w.QueueID != nil && *w.QueueID != job.QueueID {
			continue
		}
		hooks = append(hooks, w)
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].CreatedAt.Before(hooks[j].CreatedAt) })
	return hooks, nil
}

func (m *Memory) DeleteWebhook(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.webhooks[id]; ok && w.UserID == userID {
		delete(m.webhooks, id)
		return nil
	}
	return ErrNotFound
}

func (m *Memory) CreateAlert(_ context.Context, p CreateAlertParams) (models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := models.Alert{
		ID:            uuid.New().String(),
		UserID:        p.UserID,
		Type:          p.Type,
		Channel:       p.Channel,
		Destination:   p.Destination,
		Threshold:     p.Threshold,
		WindowMinutes: p.WindowMinutes,
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}
	m.alerts[a.ID] = a
	return a, nil
}

func (m *Memory) ListAlerts(_ context.Context, userID string) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var alerts []models.Alert
	for _, a := range m.alerts {
		if a.UserID == userID {
			alerts = append(alerts, a)
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.After(alerts[j].CreatedAt) })
	return alerts, nil
}

func (m *Memory) ActiveAlerts(_ context.Context, userID, alertType string) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var alerts []models.Alert
	for _, a := range m.alerts {
		if a.UserID == userID && a.Type == alertType && a.IsActive {
			alerts = append(alerts, a)
		}
	}
	return alerts, nil
}

func (m *Memory) MarkAlertSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.LastSent = &at
	m.alerts[id] = a
	return nil
}

func (m *Memory) DeleteAlert(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.alerts[id]; ok && a.UserID == userID {
		delete(m.alerts, id)
		return nil
	}
	return ErrNotFound
}

func (m *Memory) AppendJobLog(_ context.Context, jobID, level, message string, metadata json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobLogs[jobID] = append(m.jobLogs[jobID], models.JobLog{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *Memory) ListJobLogs(_ context.Context, jobID string, limit int) ([]models.JobLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := m.jobLogs[jobID]
	out := make([]models.JobLog, 0, len(logs))
	// Newest first, like the SQL query.
	for i := len(logs) - 1; i >= 0; i-- {
		out = append(out, logs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
