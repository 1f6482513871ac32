package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestAddAndGet(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	added, err := q.Add(ctx, "b1", "Dune", "Frank Herbert", "/book/b1")
	require.NoError(t, err)
	assert.True(t, added)

	item, err := q.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "Dune", item.Title)
	assert.Equal(t, "Frank Herbert", item.Author)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
}

func TestAddDuplicateIsNoop(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "b1", "Dune", "Frank Herbert", "/book/b1")
	require.NoError(t, err)
	_, err = q.MarkInProgress(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, q.MarkDone(ctx, "b1", "a@example.com"))

	// Re-adding a finished item must not resurrect it
	added, err := q.Add(ctx, "b1", "Dune again", "Someone", "/other")
	require.NoError(t, err)
	assert.False(t, added)

	item, err := q.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, item.Status)
	assert.Equal(t, "Dune", item.Title)
}

func TestGetMissing(t *testing.T) {
	q := openTestQueue(t)
	_, err := q.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNextPendingOrder(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"b1", "b2", "b3"} {
		_, err := q.Add(ctx, id, "t-"+id, "a", "/"+id)
		require.NoError(t, err)
	}

	item, err := q.NextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b1", item.ID)

	_, err = q.MarkInProgress(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, q.MarkDone(ctx, "b1", "a@example.com"))

	item, err = q.NextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b2", item.ID)
}

func TestNextPendingEmpty(t *testing.T) {
	q := openTestQueue(t)
	_, err := q.NextPending(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkInProgressCountsAttempts(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "b1", "t", "a", "/b1")
	require.NoError(t, err)

	item, err := q.MarkInProgress(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, item.Status)
	assert.Equal(t, 1, item.Attempts)

	// A second claim within the same processing loop still counts
	item, err = q.MarkInProgress(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, item.Attempts)
}

func TestMarkInProgressFromTerminalStatus(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "b1", "t", "a", "/b1")
	require.NoError(t, err)
	_, err = q.MarkInProgress(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, q.MarkDone(ctx, "b1", "a@example.com"))

	_, err = q.MarkInProgress(ctx, "b1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkFailedRecordsReason(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "b1", "t", "a", "/b1")
	require.NoError(t, err)
	_, err = q.MarkInProgress(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, "b1", "transient error: timeout"))

	item, err := q.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, "transient error: timeout", item.LastError)
}

func TestRequeuePreservesAttempts(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "b1", "t", "a", "/b1")
	require.NoError(t, err)
	_, err = q.MarkInProgress(ctx, "b1")
	require.NoError(t, err)
	_, err = q.MarkInProgress(ctx, "b1")
	require.NoError(t, err)

	require.NoError(t, q.Requeue(ctx, "b1"))

	item, err := q.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 2, item.Attempts)
}

func TestRecoverStale(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	q, err := Open(ctx, dbPath)
	require.NoError(t, err)

	_, err = q.Add(ctx, "b1", "t", "a", "/b1")
	require.NoError(t, err)
	_, err = q.Add(ctx, "b2", "t", "a", "/b2")
	require.NoError(t, err)
	_, err = q.MarkInProgress(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, q.Close())

	// Simulated crash: reopen and the claimed item is pending again,
	// attempt count intact
	q2, err := Open(ctx, dbPath)
	require.NoError(t, err)
	defer q2.Close()

	item, err := q2.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 1, item.Attempts)
}

func TestStats(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"b1", "b2", "b3"} {
		_, err := q.Add(ctx, id, "t", "a", "/"+id)
		require.NoError(t, err)
	}
	_, err := q.MarkInProgress(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, q.MarkDone(ctx, "b1", "a@example.com"))
	require.NoError(t, q.MarkSkipped(ctx, "b2"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[StatusDone])
	assert.Equal(t, 1, stats[StatusSkipped])
	assert.Equal(t, 1, stats[StatusPending])
}

func TestListByStatus(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"b1", "b2"} {
		_, err := q.Add(ctx, id, "t", "a", "/"+id)
		require.NoError(t, err)
	}
	_, err := q.MarkInProgress(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, "b1", "gone"))

	failed, err := q.List(ctx, StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b1", failed[0].ID)

	all, err := q.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
