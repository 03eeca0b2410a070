package selector

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conveyor/internal/models"
	"conveyor/internal/store"
)

func addJob(t *testing.T, st *store.Memory, queueID string, priority int, status string, scheduledAt *time.Time) models.Job {
	t.Helper()
	job, err := st.CreateJob(context.Background(), store.CreateJobParams{
		Name:        "job",
		QueueID:     queueID,
		UserID:      "u1",
		Payload:     json.RawMessage(`{}`),
		Priority:    priority,
		Status:      status,
		MaxRetries:  3,
		ScheduledAt: scheduledAt,
	})
	require.NoError(t, err)
	return job
}

func TestSelectNextOrdering(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q, err := st.CreateQueue(ctx, store.CreateQueueParams{UserID: "u1", Name: "q", MaxRetries: 3, RetryDelay: time.Minute})
	require.NoError(t, err)

	low := addJob(t, st, q.ID, 0, models.StatusPending, nil)
	time.Sleep(2 * time.Millisecond)
	lowLater := addJob(t, st, q.ID, 0, models.StatusPending, nil)
	high := addJob(t, st, q.ID, 5, models.StatusPending, nil)

	sel := New(st)
	jobs, err := sel.SelectNext(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	// Priority descending, then oldest first.
	require.Equal(t, high.ID, jobs[0].ID)
	require.Equal(t, low.ID, jobs[1].ID)
	require.Equal(t, lowLater.ID, jobs[2].ID)
}

func TestSelectNextSkipsPausedQueues(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	active, err := st.CreateQueue(ctx, store.CreateQueueParams{UserID: "u1", Name: "active", MaxRetries: 3, RetryDelay: time.Minute})
	require.NoError(t, err)
	paused, err := st.CreateQueue(ctx, store.CreateQueueParams{UserID: "u1", Name: "paused", MaxRetries: 3, RetryDelay: time.Minute})
	require.NoError(t, err)
	yes := true
	require.NoError(t, st.UpdateQueue(ctx, paused.ID, "u1", store.QueuePatch{IsPaused: &yes}))

	want := addJob(t, st, active.ID, 0, models.StatusPending, nil)
	addJob(t, st, paused.ID, 9, models.StatusPending, nil)

	jobs, err := New(st).SelectNext(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, want.ID, jobs[0].ID)
}

func TestSelectNextScheduledDueOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q, err := st.CreateQueue(ctx, store.CreateQueueParams{UserID: "u1", Name: "q", MaxRetries: 3, RetryDelay: time.Minute})
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	due := addJob(t, st, q.ID, 0, models.StatusScheduled, &past)
	addJob(t, st, q.ID, 0, models.StatusScheduled, &future)

	jobs, err := New(st).SelectNext(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, due.ID, jobs[0].ID)
}

func TestSelectNextLimit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q, err := st.CreateQueue(ctx, store.CreateQueueParams{UserID: "u1", Name: "q", MaxRetries: 3, RetryDelay: time.Minute})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		addJob(t, st, q.ID, 0, models.StatusPending, nil)
	}
	jobs, err := New(st).SelectNext(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}
