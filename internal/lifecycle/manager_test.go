package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/models"
	"conveyor/internal/store"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []string
	jobs   []models.Job
}

func (r *eventRecorder) Dispatch(_ context.Context, job models.Job, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.jobs = append(r.jobs, job)
}

type alertRecorder struct {
	mu    sync.Mutex
	calls int
}

func (r *alertRecorder) Evaluate(context.Context, string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newManager(t *testing.T) (*Manager, *store.Memory, *eventRecorder, *alertRecorder, models.Queue) {
	t.Helper()
	st := store.NewMemory()
	hooks := &eventRecorder{}
	alerts := &alertRecorder{}
	m := New(st, hooks, alerts, testLogger())

	q, err := st.CreateQueue(context.Background(), store.CreateQueueParams{
		UserID: "u1", Name: "default", MaxRetries: 3, RetryDelay: 60 * time.Second,
	})
	require.NoError(t, err)
	return m, st, hooks, alerts, q
}

func createJob(t *testing.T, m *Manager, q models.Queue) models.Job {
	t.Helper()
	job, err := m.Create(context.Background(), CreateParams{
		Name: "encode", QueueID: q.ID, UserID: "u1", Payload: json.RawMessage(`{"k":1}`),
	})
	require.NoError(t, err)
	return job
}

func TestCreateValidation(t *testing.T) {
	m, _, _, _, q := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateParams{QueueID: q.ID, UserID: "u1", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = m.Create(ctx, CreateParams{Name: "x", UserID: "u1", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = m.Create(ctx, CreateParams{Name: "x", QueueID: q.ID, UserID: "u1"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateForeignQueueReadsAsAbsent(t *testing.T) {
	m, _, _, _, q := newManager(t)

	_, err := m.Create(context.Background(), CreateParams{
		Name: "x", QueueID: q.ID, UserID: "intruder", Payload: json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateDefaultsAndScheduling(t *testing.T) {
	m, _, _, _, q := newManager(t)
	ctx := context.Background()

	job := createJob(t, m, q)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, q.MaxRetries, job.MaxRetries)
	assert.Equal(t, 0, job.Attempts)

	future := time.Now().Add(time.Hour)
	scheduled, err := m.Create(ctx, CreateParams{
		Name: "later", QueueID: q.ID, UserID: "u1",
		Payload: json.RawMessage(`{}`), ScheduledAt: &future,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, scheduled.Status)

	past := time.Now().Add(-time.Hour)
	immediate, err := m.Create(ctx, CreateParams{
		Name: "now", QueueID: q.ID, UserID: "u1",
		Payload: json.RawMessage(`{}`), ScheduledAt: &past,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, immediate.Status)
}

func TestCompleteLifecycle(t *testing.T) {
	m, _, hooks, _, q := newManager(t)
	ctx := context.Background()
	job := createJob(t, m, q)

	started, err := m.Start(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, started.Status)
	assert.NotNil(t, started.StartedAt)

	done, err := m.Complete(ctx, job.ID, json.RawMessage(`{"out":42}`))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.NotNil(t, done.CompletedAt)
	assert.JSONEq(t, `{"out":42}`, string(done.Result))

	m.Wait()
	assert.Equal(t, []string{models.EventCompleted}, hooks.events)

	// Completion is not idempotent.
	_, err = m.Complete(ctx, job.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	m, st, hooks, _, q := newManager(t)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	job := createJob(t, m, q)
	_, err := m.Start(ctx, job.ID)
	require.NoError(t, err)

	failed, err := m.Fail(ctx, job.ID, "connection reset")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrying, failed.Status)
	assert.Equal(t, 1, failed.Attempts)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, got.Status)
	require.NotNil(t, got.ScheduledAt)
	// base 60s doubled once for the first failed attempt
	assert.Equal(t, fixed.Add(2*time.Minute), got.ScheduledAt.UTC())

	m.Wait()
	require.Equal(t, []string{models.EventRetry}, hooks.events)
	assert.Equal(t, models.StatusRetrying, hooks.jobs[0].Status)
}

func TestFailExhaustsRetries(t *testing.T) {
	m, st, hooks, alerts, q := newManager(t)
	ctx := context.Background()

	// Virtual clock so each scheduled retry is already due on the next start.
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	job := createJob(t, m, q)

	for attempt := 1; attempt <= q.MaxRetries; attempt++ {
		_, err := m.Start(ctx, job.ID)
		require.NoError(t, err)
		failed, err := m.Fail(ctx, job.ID, "still broken")
		require.NoError(t, err)
		assert.Equal(t, attempt, failed.Attempts)

		if attempt < q.MaxRetries {
			assert.Equal(t, models.StatusRetrying, failed.Status)
		}
		current = current.Add(2 * time.Hour)
	}

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)

	m.Wait()
	assert.Contains(t, hooks.events, models.EventFailed)
	assert.Equal(t, 1, alerts.calls)
}

func TestCancel(t *testing.T) {
	m, _, hooks, _, q := newManager(t)
	ctx := context.Background()

	job := createJob(t, m, q)
	cancelled, err := m.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	// No webhook on cancellation.
	m.Wait()
	assert.Empty(t, hooks.events)

	_, err = m.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = m.Start(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateProgressClamps(t *testing.T) {
	m, st, _, _, q := newManager(t)
	ctx := context.Background()

	job := createJob(t, m, q)
	_, err := m.Start(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, m.UpdateProgress(ctx, job.ID, 150))
	got, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, 100, got.Progress)

	require.NoError(t, m.UpdateProgress(ctx, job.ID, -5))
	got, _ = st.GetJob(ctx, job.ID)
	assert.Equal(t, 0, got.Progress)

	_, err = m.Complete(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, m.UpdateProgress(ctx, job.ID, 50), ErrInvalidTransition)
	m.Wait()
}

func TestConcurrentStartOneWinner(t *testing.T) {
	m, _, _, _, q := newManager(t)
	ctx := context.Background()
	job := createJob(t, m, q)

	const racers = 8
	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Start(ctx, job.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins int
	for err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, wins)
}
