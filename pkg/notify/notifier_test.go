package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/store"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/tasks"
)

func setupNotifier(t *testing.T) (*store.Store, *Notifier) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rdb, time.Hour)
	return st, New(rdb, st)
}

// nextStatus reads one event off the stream or fails the test.
func nextStatus(t *testing.T, ch <-chan tasks.Status) tasks.Status {
	t.Helper()
	select {
	case status, ok := <-ch:
		require.True(t, ok, "stream closed early")
		return status
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for status event")
		return tasks.Status{}
	}
}

// expectClosed asserts the stream terminates.
func expectClosed(t *testing.T, ch <-chan tasks.Status) {
	t.Helper()
	select {
	case status, ok := <-ch:
		require.False(t, ok, "expected closed stream, got event %+v", status)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close after terminal event")
	}
}

func TestStatusReadThrough(t *testing.T) {
	st, n := setupNotifier(t)
	ctx := context.Background()

	created, err := st.Create(ctx, []byte("img"))
	require.NoError(t, err)

	got, err := n.Status(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.TaskID)
	assert.Equal(t, tasks.StateQueued, got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestStatusUnknown(t *testing.T) {
	_, n := setupNotifier(t)

	_, err := n.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubscribeUnknown(t *testing.T) {
	_, n := setupNotifier(t)

	_, err := n.Subscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubscribeObservesLifecycle(t *testing.T) {
	st, n := setupNotifier(t)
	ctx := context.Background()

	created, err := st.Create(ctx, []byte("img"))
	require.NoError(t, err)

	ch, err := n.Subscribe(ctx, created.ID)
	require.NoError(t, err)

	// snapshot first, so a subscriber never waits for the next transition
	assert.Equal(t, tasks.StateQueued, nextStatus(t, ch).State)

	_, err = st.MarkProcessing(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateProcessing, nextStatus(t, ch).State)

	preds := []tasks.Prediction{{Label: "tabby", Probability: 1}}
	_, err = st.MarkCompleted(ctx, created.ID, preds)
	require.NoError(t, err)

	final := nextStatus(t, ch)
	assert.Equal(t, tasks.StateCompleted, final.State)
	assert.Equal(t, preds, final.Results)

	// exactly one terminal event, then close
	expectClosed(t, ch)
}

func TestSubscribeAfterTerminal(t *testing.T) {
	st, n := setupNotifier(t)
	ctx := context.Background()

	created, err := st.Create(ctx, []byte("img"))
	require.NoError(t, err)
	_, err = st.MarkProcessing(ctx, created.ID)
	require.NoError(t, err)
	_, err = st.MarkFailed(ctx, created.ID, "boom")
	require.NoError(t, err)

	ch, err := n.Subscribe(ctx, created.ID)
	require.NoError(t, err)

	got := nextStatus(t, ch)
	assert.Equal(t, tasks.StateFailed, got.State)
	assert.Equal(t, "boom", got.Error)
	expectClosed(t, ch)
}

func TestIndependentSubscribers(t *testing.T) {
	st, n := setupNotifier(t)
	ctx := context.Background()

	created, err := st.Create(ctx, []byte("img"))
	require.NoError(t, err)

	first, err := n.Subscribe(ctx, created.ID)
	require.NoError(t, err)
	second, err := n.Subscribe(ctx, created.ID)
	require.NoError(t, err)

	_, err = st.MarkProcessing(ctx, created.ID)
	require.NoError(t, err)
	_, err = st.MarkFailed(ctx, created.ID, "boom")
	require.NoError(t, err)

	for _, ch := range []<-chan tasks.Status{first, second} {
		assert.Equal(t, tasks.StateQueued, nextStatus(t, ch).State)
		assert.Equal(t, tasks.StateProcessing, nextStatus(t, ch).State)
		assert.Equal(t, tasks.StateFailed, nextStatus(t, ch).State)
		expectClosed(t, ch)
	}
}

func TestSubscriberCancellation(t *testing.T) {
	st, n := setupNotifier(t)

	created, err := st.Create(context.Background(), []byte("img"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := n.Subscribe(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, tasks.StateQueued, nextStatus(t, ch).State)

	// A disconnecting client releases its subscription promptly and the
	// task itself is unaffected.
	cancel()
	expectClosed(t, ch)

	got, err := st.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateQueued, got.State)
}

func TestSnapshotReadSurvivesOutage(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rdb, time.Hour)
	n := New(rdb, st)

	created, err := st.Create(context.Background(), []byte("img"))
	require.NoError(t, err)

	// Take the server down so the first read attempts fail, then bring
	// it back before the retries run out. The read must ride it out.
	mr.Close()
	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = mr.Restart()
	}()

	status, err := n.snapshotWithRetry(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, status.TaskID)
	assert.Equal(t, tasks.StateQueued, status.State)
}

func TestSnapshotReadStopsOnCancel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rdb, time.Hour)
	n := New(rdb, st)

	created, err := st.Create(context.Background(), []byte("img"))
	require.NoError(t, err)

	// Permanent outage: the backoff loop must give up when the caller's
	// deadline passes instead of sleeping through all attempts.
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	_, err = n.snapshotWithRetry(ctx, created.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryCycleObservedInOrder(t *testing.T) {
	st, n := setupNotifier(t)
	ctx := context.Background()

	created, err := st.Create(ctx, []byte("img"))
	require.NoError(t, err)
	_, err = st.MarkProcessing(ctx, created.ID)
	require.NoError(t, err)
	_, err = st.MarkFailed(ctx, created.ID, "boom")
	require.NoError(t, err)

	ch, err := n.Subscribe(ctx, created.ID)
	require.NoError(t, err)
	got := nextStatus(t, ch)
	assert.Equal(t, tasks.StateFailed, got.State)
	expectClosed(t, ch)

	// a fresh subscription after retry sees the new cycle
	_, err = st.MarkRetried(ctx, created.ID, nil)
	require.NoError(t, err)

	ch, err = n.Subscribe(ctx, created.ID)
	require.NoError(t, err)
	got = nextStatus(t, ch)
	assert.Equal(t, tasks.StateQueued, got.State)
	assert.Equal(t, 2, got.Attempts)

	_, err = st.MarkProcessing(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateProcessing, nextStatus(t, ch).State)

	_, err = st.MarkCompleted(ctx, created.ID, []tasks.Prediction{{Label: "tabby", Probability: 1}})
	require.NoError(t, err)
	assert.Equal(t, tasks.StateCompleted, nextStatus(t, ch).State)
	expectClosed(t, ch)
}
