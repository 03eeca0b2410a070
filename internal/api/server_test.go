package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/config"
	"conveyor/internal/lifecycle"
	"conveyor/internal/models"
	"conveyor/internal/store"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type testEnv struct {
	server *httptest.Server
	store  *store.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	cfg := config.Config{
		FreeJobsPerMonth:  2,
		FreeQueueLimit:    1,
		DefaultMaxRetries: 3,
		DefaultRetryDelay: time.Minute,
	}
	manager := lifecycle.New(st, nil, nil, testLogger())
	srv := httptest.NewServer(New(cfg, st, manager, nil, testLogger()).Router())
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, store: st}
}

func (e *testEnv) seedUser(t *testing.T, plan, status string) (models.User, string) {
	t.Helper()
	u := e.store.SeedUser(models.User{Email: plan + "@example.com", Plan: plan, SubscriptionStatus: status})
	key, err := e.store.CreateAPIKey(context.Background(), u.ID, "test", "cq_"+plan+"key")
	require.NoError(t, err)
	return u, key.Key
}

func (e *testEnv) do(t *testing.T, method, path, apiKey string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) createQueue(t *testing.T, apiKey, name string) models.Queue {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/queues", apiKey, map[string]any{"name": name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[models.Queue](t, resp)
}

func (e *testEnv) createJob(t *testing.T, apiKey, queueID string) models.Job {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/jobs", apiKey, map[string]any{
		"name": "job", "queue_id": queueID, "payload": map[string]any{"k": 1},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[models.Job](t, resp)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/jobs", "cq_nope", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBearerTokenAccepted(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.seedUser(t, "pro", "active")

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJobCreateAndGet(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.seedUser(t, "pro", "active")
	q := env.createQueue(t, key, "work")

	job := env.createJob(t, key, q.ID)
	assert.Equal(t, models.StatusPending, job.Status)

	resp := env.do(t, http.MethodGet, "/v1/jobs/"+job.ID, key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Job  models.Job      `json:"job"`
		Logs []models.JobLog `json:"logs"`
	}](t, resp)
	assert.Equal(t, job.ID, body.Job.ID)
	require.NotEmpty(t, body.Logs)
	assert.Equal(t, "Job created: job", body.Logs[0].Message)
}

func TestJobsScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	_, aliceKey := env.seedUser(t, "pro", "active")
	_, bobKey := env.seedUser(t, "free", "inactive")

	q := env.createQueue(t, aliceKey, "work")
	job := env.createJob(t, aliceKey, q.ID)

	resp := env.do(t, http.MethodGet, "/v1/jobs/"+job.ID, bobKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.do(t, http.MethodPatch, "/v1/jobs/"+job.ID, bobKey, map[string]any{"action": "cancel"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFreePlanGates(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.seedUser(t, "free", "inactive")
	q := env.createQueue(t, key, "only")

	// One queue per free account.
	resp := env.do(t, http.MethodPost, "/v1/queues", key, map[string]any{"name": "second"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Priority is a pro feature.
	resp = env.do(t, http.MethodPost, "/v1/jobs", key, map[string]any{
		"name": "urgent", "queue_id": q.ID, "payload": map[string]any{}, "priority": 5,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Monthly job cap (2 in this test config).
	env.createJob(t, key, q.ID)
	env.createJob(t, key, q.ID)
	resp = env.do(t, http.MethodPost, "/v1/jobs", key, map[string]any{
		"name": "over", "queue_id": q.ID, "payload": map[string]any{"k": 1},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Webhooks and alerts are pro features.
	resp = env.do(t, http.MethodPost, "/v1/webhooks", key, map[string]any{"name": "h", "url": "http://x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/v1/alerts", key, map[string]any{"destination": "http://x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLapsedProTreatedAsFree(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.seedUser(t, "pro", "past_due")

	resp := env.do(t, http.MethodPost, "/v1/webhooks", key, map[string]any{"name": "h", "url": "http://x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestJobActions(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.seedUser(t, "pro", "active")
	q := env.createQueue(t, key, "work")
	job := env.createJob(t, key, q.ID)

	// Completing a job that never started conflicts.
	resp := env.do(t, http.MethodPatch, "/v1/jobs/"+job.ID, key, map[string]any{"action": "complete"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPatch, "/v1/jobs/"+job.ID, key, map[string]any{"action": "start"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StatusRunning, decode[models.Job](t, resp).Status)

	resp = env.do(t, http.MethodPatch, "/v1/jobs/"+job.ID, key, map[string]any{"action": "progress", "progress": 40})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 40, decode[models.Job](t, resp).Progress)

	resp = env.do(t, http.MethodPatch, "/v1/jobs/"+job.ID, key, map[string]any{
		"action": "complete", "result": map[string]any{"out": 1},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StatusCompleted, decode[models.Job](t, resp).Status)

	resp = env.do(t, http.MethodPatch, "/v1/jobs/"+job.ID, key, map[string]any{"action": "explode"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPatch, "/v1/jobs/nope", key, map[string]any{"action": "start"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobFailActionUsesDefaultMessage(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.seedUser(t, "pro", "active")
	q := env.createQueue(t, key, "work")
	job := env.createJob(t, key, q.ID)

	resp := env.do(t, http.MethodPatch, "/v1/jobs/"+job.ID, key, map[string]any{"action": "start"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodPatch, "/v1/jobs/"+job.ID, key, map[string]any{"action": "fail"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	failed := decode[models.Job](t, resp)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "Job failed", *failed.LastError)
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.seedUser(t, "pro", "active")
	q := env.createQueue(t, key, "work")

	resp := env.do(t, http.MethodPost, "/v1/jobs", key, map[string]any{"queue_id": q.ID, "payload": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/jobs", key, map[string]any{"name": "x", "queue_id": "missing", "payload": map[string]any{}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookCreateGeneratesSecret(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.seedUser(t, "pro", "active")

	resp := env.do(t, http.MethodPost, "/v1/webhooks", key, map[string]any{"name": "hook", "url": "http://example.com/hook"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	hook := decode[models.Webhook](t, resp)
	require.NotNil(t, hook.Secret)
	assert.Len(t, *hook.Secret, 64)
	assert.True(t, hook.OnComplete)
	assert.True(t, hook.OnFail)
	assert.False(t, hook.OnRetry)
}

func TestAlertDefaults(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.seedUser(t, "pro", "active")

	resp := env.do(t, http.MethodPost, "/v1/alerts", key, map[string]any{"destination": "http://example.com"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	alert := decode[models.Alert](t, resp)
	assert.Equal(t, models.AlertTypeJobFailed, alert.Type)
	assert.Equal(t, models.AlertChannelWebhook, alert.Channel)
	assert.Equal(t, 1, alert.Threshold)
	assert.Equal(t, 60, alert.WindowMinutes)
}

func TestQueuePatchAndDelete(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.seedUser(t, "pro", "active")
	q := env.createQueue(t, key, "work")

	resp := env.do(t, http.MethodPatch, "/v1/queues/"+q.ID, key, map[string]any{"is_paused": true, "name": "renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[models.Queue](t, resp)
	assert.True(t, updated.IsPaused)
	assert.Equal(t, "renamed", updated.Name)

	job := env.createJob(t, key, q.ID)

	resp = env.do(t, http.MethodDelete, "/v1/queues/"+q.ID, key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Queue deletion cascades to its jobs.
	resp = env.do(t, http.MethodGet, "/v1/jobs/"+job.ID, key, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListKeysMasksSecrets(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.seedUser(t, "pro", "active")

	resp := env.do(t, http.MethodGet, "/v1/keys", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Keys []models.APIKey `json:"keys"`
	}](t, resp)
	require.NotEmpty(t, body.Keys)
	for _, k := range body.Keys {
		assert.NotEqual(t, key, k.Key)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.seedUser(t, "pro", "active")
	q := env.createQueue(t, key, "work")
	job := env.createJob(t, key, q.ID)

	resp := env.do(t, http.MethodPatch, "/v1/jobs/"+job.ID, key, map[string]any{"action": "start"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodPatch, "/v1/jobs/"+job.ID, key, map[string]any{"action": "complete"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/stats", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[statsResponse](t, resp)
	assert.Equal(t, int64(1), stats.StatusCounts[models.StatusCompleted])
	assert.Equal(t, int64(1), stats.JobsToday)
	assert.Equal(t, int64(1), stats.CompletedToday)
	assert.Equal(t, int64(1), stats.Queues)
	assert.Equal(t, 1.0, stats.SuccessRate)
}
