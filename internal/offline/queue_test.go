// ABOUTME: Tests for the offline operation queue.
// ABOUTME: Covers persistence, single-flight sync, retry budgets and status notifications.

package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/helix-gateway/internal/dedupe"
	"github.com/2389/helix-gateway/internal/kvstore"
)

// flakyStorage wraps a Store and fails on demand.
type flakyStorage struct {
	kvstore.Store
	failGet atomic.Bool
	failSet atomic.Bool
	sets    atomic.Int32
}

func (f *flakyStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.failGet.Load() {
		return nil, false, errors.New("disk on fire")
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStorage) Set(ctx context.Context, key string, value []byte) error {
	f.sets.Add(1)
	if f.failSet.Load() {
		return errors.New("disk full")
	}
	return f.Store.Set(ctx, key, value)
}

func (f *flakyStorage) Remove(ctx context.Context, key string) error {
	if f.failSet.Load() {
		return errors.New("disk full")
	}
	return f.Store.Remove(ctx, key)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T, storage Storage, mutate func(*Options)) *Queue {
	t.Helper()
	opts := Options{Storage: storage, Persist: storage != nil, Logger: quietLogger()}
	if mutate != nil {
		mutate(&opts)
	}
	return New(context.Background(), opts)
}

func alwaysOK(context.Context, Operation) error { return nil }

func alwaysFail(context.Context, Operation) error { return errors.New("gateway said no") }

func TestEnqueue_AssignsIDAndDefaults(t *testing.T) {
	q := newTestQueue(t, nil, nil)

	op, err := q.Enqueue(context.Background(), NewOperation{Type: "chat.send", Data: map[string]string{"text": "hi"}})
	require.NoError(t, err)

	assert.NotEmpty(t, op.ID)
	assert.Equal(t, "chat.send", op.Type)
	assert.JSONEq(t, `{"text":"hi"}`, string(op.Data))
	assert.Equal(t, DefaultMaxRetries, op.MaxRetries)
	assert.Zero(t, op.Retries)
	assert.WithinDuration(t, time.Now(), op.EnqueuedAt, time.Second)
	assert.Equal(t, 1, q.Status().QueueLength)
}

func TestEnqueue_TakesIDFromPayload(t *testing.T) {
	q := newTestQueue(t, nil, nil)

	op, err := q.Enqueue(context.Background(), NewOperation{
		Type: "config.set",
		Data: json.RawMessage(` {"id":"cfg-42","key":"theme"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "cfg-42", op.ID)

	// Non-string ids are ignored.
	op, err = q.Enqueue(context.Background(), NewOperation{Type: "x", Data: map[string]any{"id": 7}})
	require.NoError(t, err)
	assert.NotEqual(t, "7", op.ID)
	assert.NotEmpty(t, op.ID)
}

func TestEnqueue_DuplicateIDReturnsExisting(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, NewOperation{Type: "a", Data: map[string]string{"id": "same", "v": "1"}})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, NewOperation{Type: "a", Data: map[string]string{"id": "same", "v": "2"}})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, q.Len())
}

func TestEnqueue_Validation(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, NewOperation{})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = q.Enqueue(ctx, NewOperation{Type: "x", Data: []byte("{not json")})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = q.Enqueue(ctx, NewOperation{Type: "x", Data: make(chan int)})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	assert.Zero(t, q.Len())
}

func TestEnqueue_PersistFailureRollsBack(t *testing.T) {
	storage := &flakyStorage{Store: kvstore.NewMemory()}
	q := newTestQueue(t, storage, nil)
	storage.failSet.Store(true)

	_, err := q.Enqueue(context.Background(), NewOperation{Type: "x"})
	require.Error(t, err)
	assert.Zero(t, q.Len())
}

func TestQueueLength_TracksMutations(t *testing.T) {
	q := newTestQueue(t, kvstore.NewMemory(), nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 10; i++ {
		op, err := q.Enqueue(ctx, NewOperation{Type: "t"})
		require.NoError(t, err)
		ids = append(ids, op.ID)
		assert.Equal(t, i+1, q.Status().QueueLength)
	}

	removed, err := q.RemoveOperation(ctx, ids[3])
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 9, q.Status().QueueLength)

	removed, err = q.RemoveOperation(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, q.Clear(ctx))
	assert.Equal(t, 0, q.Status().QueueLength)
}

func TestPersistence_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := kvstore.NewSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer store.Close()

	q := newTestQueue(t, store, nil)
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, NewOperation{Type: "op", Data: map[string]int{"n": i}, MaxRetries: i + 1})
		require.NoError(t, err)
	}
	q.ProcessQueue(ctx, alwaysFail)

	want := q.Operations()
	require.Len(t, want, 4) // n=0 had MaxRetries 1 and was dropped

	reloaded := newTestQueue(t, store, nil)
	got := reloaded.Operations()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Type, got[i].Type)
		assert.JSONEq(t, string(want[i].Data), string(got[i].Data))
		assert.True(t, want[i].EnqueuedAt.Equal(got[i].EnqueuedAt))
		assert.Equal(t, want[i].Retries, got[i].Retries)
		assert.Equal(t, want[i].MaxRetries, got[i].MaxRetries)
	}
}

func TestPersistence_CorruptedStorageStartsEmpty(t *testing.T) {
	ctx := context.Background()

	cases := map[string][]byte{
		"garbage":     []byte("{{{{ not json"),
		"wrong shape": []byte(`{"id":"x"}`),
		"empty":       []byte(""),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			store := kvstore.NewMemory()
			require.NoError(t, store.Set(ctx, StorageKey, raw))

			var q *Queue
			require.NotPanics(t, func() { q = newTestQueue(t, store, nil) })
			assert.Zero(t, q.Len())

			_, err := q.Enqueue(ctx, NewOperation{Type: "fresh"})
			require.NoError(t, err)
			assert.Equal(t, 1, q.Len())
		})
	}
}

func TestPersistence_SkipsInvalidEntries(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	require.NoError(t, store.Set(ctx, StorageKey, []byte(`[
		{"id":"a","type":"t","maxRetries":3},
		{"id":"","type":"t"},
		{"id":"b","type":""},
		{"id":"a","type":"dup"},
		{"id":"c","type":"t","maxRetries":3}
	]`)))

	q := newTestQueue(t, store, nil)
	ops := q.Operations()
	require.Len(t, ops, 2)
	assert.Equal(t, "a", ops[0].ID)
	assert.Equal(t, "c", ops[1].ID)
}

func TestPersistence_UnreadableStorageStartsEmpty(t *testing.T) {
	storage := &flakyStorage{Store: kvstore.NewMemory()}
	storage.failGet.Store(true)

	q := newTestQueue(t, storage, nil)
	assert.Zero(t, q.Len())
}

func TestPersistence_DisabledNeverTouchesStorage(t *testing.T) {
	storage := &flakyStorage{Store: kvstore.NewMemory()}
	q := New(context.Background(), Options{Storage: storage, Persist: false, Logger: quietLogger()})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, NewOperation{Type: "t"})
	require.NoError(t, err)
	q.ProcessQueue(ctx, alwaysOK)
	require.NoError(t, q.Clear(ctx))

	assert.Zero(t, storage.sets.Load())
}

func TestPersistence_EmptyQueueRemovesKey(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	q := newTestQueue(t, store, nil)

	_, err := q.Enqueue(ctx, NewOperation{Type: "t"})
	require.NoError(t, err)
	_, found, _ := store.Get(ctx, StorageKey)
	assert.True(t, found)

	q.ProcessQueue(ctx, alwaysOK)
	_, found, _ = store.Get(ctx, StorageKey)
	assert.False(t, found)
}

func TestProcessQueue_HundredConcurrentEnqueues(t *testing.T) {
	q := newTestQueue(t, kvstore.NewMemory(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := q.Enqueue(ctx, NewOperation{Type: "bulk", Data: map[string]int{"n": n}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 100, q.Status().QueueLength)

	result := q.ProcessQueue(ctx, alwaysOK)
	assert.Equal(t, SyncResult{Synced: 100, Failed: 0}, result)
	assert.Equal(t, 0, q.Status().QueueLength)
}

func TestProcessQueue_PreservesEnqueueOrder(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		op, err := q.Enqueue(ctx, NewOperation{Type: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
		want = append(want, op.ID)
	}

	var got []string
	q.ProcessQueue(ctx, func(_ context.Context, op Operation) error {
		got = append(got, op.ID)
		return nil
	})
	assert.Equal(t, want, got)
}

func TestProcessQueue_SingleFlight(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, NewOperation{Type: "slow"})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	done := make(chan SyncResult)
	go func() {
		done <- q.ProcessQueue(ctx, func(context.Context, Operation) error {
			calls.Add(1)
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	assert.True(t, q.Status().IsSyncing)
	second := q.ProcessQueue(ctx, func(context.Context, Operation) error {
		calls.Add(1)
		return nil
	})
	assert.Equal(t, SyncResult{}, second)

	close(release)
	assert.Equal(t, SyncResult{Synced: 1}, <-done)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, q.Status().IsSyncing)
}

func TestProcessQueue_OfflineDoesNothing(t *testing.T) {
	q := newTestQueue(t, nil, func(o *Options) { o.Online = func() bool { return false } })
	ctx := context.Background()
	_, err := q.Enqueue(ctx, NewOperation{Type: "t"})
	require.NoError(t, err)

	called := false
	result := q.ProcessQueue(ctx, func(context.Context, Operation) error {
		called = true
		return nil
	})

	assert.Equal(t, SyncResult{}, result)
	assert.False(t, called)
	assert.Equal(t, 1, q.Len())
	assert.False(t, q.Status().IsOnline)
}

func TestProcessQueue_StopsWhenConnectivityDrops(t *testing.T) {
	var online atomic.Bool
	online.Store(true)
	q := newTestQueue(t, nil, func(o *Options) { o.Online = online.Load })
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, NewOperation{Type: "t"})
		require.NoError(t, err)
	}

	result := q.ProcessQueue(ctx, func(context.Context, Operation) error {
		online.Store(false)
		return nil
	})

	assert.Equal(t, SyncResult{Synced: 1}, result)
	assert.Equal(t, 4, q.Len())
}

func TestProcessQueue_StopsOnContextCancel(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, NewOperation{Type: "t"})
		require.NoError(t, err)
	}

	result := q.ProcessQueue(ctx, func(context.Context, Operation) error {
		cancel()
		return nil
	})
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 2, q.Len())
}

func TestProcessQueue_RetriesExactlyMaxRetries(t *testing.T) {
	var dead []Operation
	q := newTestQueue(t, kvstore.NewMemory(), func(o *Options) {
		o.OnDeadLetter = func(op Operation, err error) {
			assert.EqualError(t, err, "gateway said no")
			dead = append(dead, op)
		}
	})
	ctx := context.Background()
	op, err := q.Enqueue(ctx, NewOperation{Type: "doomed", MaxRetries: 4})
	require.NoError(t, err)

	attempts := 0
	countingFail := func(ctx context.Context, o Operation) error {
		attempts++
		return alwaysFail(ctx, o)
	}

	for pass := 1; pass <= 3; pass++ {
		result := q.ProcessQueue(ctx, countingFail)
		assert.Equal(t, SyncResult{}, result, "pass %d", pass)
		next, ok := q.Next()
		require.True(t, ok)
		assert.Equal(t, pass, next.Retries)
	}

	result := q.ProcessQueue(ctx, countingFail)
	assert.Equal(t, SyncResult{Failed: 1}, result)
	assert.Equal(t, 4, attempts)
	assert.Zero(t, q.Len())
	assert.Equal(t, 1, q.Status().FailedCount)

	require.Len(t, dead, 1)
	assert.Equal(t, op.ID, dead[0].ID)
	assert.Equal(t, 4, dead[0].Retries)

	// Never re-attempted once dropped.
	q.ProcessQueue(ctx, countingFail)
	assert.Equal(t, 4, attempts)
}

func TestProcessQueue_MixedOutcomes(t *testing.T) {
	q := newTestQueue(t, nil, func(o *Options) { o.MaxRetries = 1 })
	ctx := context.Background()
	for _, id := range []string{"ok-1", "bad-1", "ok-2"} {
		_, err := q.Enqueue(ctx, NewOperation{Type: "t", Data: map[string]string{"id": id}})
		require.NoError(t, err)
	}

	result := q.ProcessQueue(ctx, func(_ context.Context, op Operation) error {
		if op.ID == "bad-1" {
			return errors.New("rejected")
		}
		return nil
	})
	assert.Equal(t, SyncResult{Synced: 2, Failed: 1}, result)
	assert.Zero(t, q.Len())
}

func TestProcessQueue_PanicCountsAsFailure(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, NewOperation{Type: "t", MaxRetries: 1})
	require.NoError(t, err)

	var result SyncResult
	require.NotPanics(t, func() {
		result = q.ProcessQueue(ctx, func(context.Context, Operation) error { panic("boom") })
	})
	assert.Equal(t, SyncResult{Failed: 1}, result)
}

func TestProcessQueue_OperationRemovedMidPass(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	ctx := context.Background()
	first, err := q.Enqueue(ctx, NewOperation{Type: "t"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, NewOperation{Type: "t"})
	require.NoError(t, err)

	var seen []string
	result := q.ProcessQueue(ctx, func(ctx context.Context, op Operation) error {
		seen = append(seen, op.ID)
		if op.ID == first.ID {
			_, err := q.RemoveOperation(ctx, second.ID)
			require.NoError(t, err)
		}
		return nil
	})

	assert.Equal(t, SyncResult{Synced: 1}, result)
	assert.Equal(t, []string{first.ID}, seen)
	assert.Zero(t, q.Len())
}

func TestDeliveredCache_RejectsReplay(t *testing.T) {
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()
	q := newTestQueue(t, nil, func(o *Options) { o.Delivered = cache })
	ctx := context.Background()

	_, err := q.Enqueue(ctx, NewOperation{Type: "t", Data: map[string]string{"id": "once"}})
	require.NoError(t, err)
	q.ProcessQueue(ctx, alwaysOK)

	_, err = q.Enqueue(ctx, NewOperation{Type: "t", Data: map[string]string{"id": "once"}})
	assert.ErrorIs(t, err, ErrAlreadyDelivered)
	assert.Zero(t, q.Len())
}

func TestDeliveredCache_SharedCacheDeliversOnce(t *testing.T) {
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()
	a := newTestQueue(t, nil, func(o *Options) { o.Delivered = cache })
	b := newTestQueue(t, nil, func(o *Options) { o.Delivered = cache })
	ctx := context.Background()

	op := NewOperation{Type: "t", Data: map[string]string{"id": "shared"}}
	_, err := a.Enqueue(ctx, op)
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, op)
	require.NoError(t, err)

	var calls atomic.Int32
	countingOK := func(context.Context, Operation) error {
		calls.Add(1)
		return nil
	}

	assert.Equal(t, SyncResult{Synced: 1}, a.ProcessQueue(ctx, countingOK))
	assert.Equal(t, SyncResult{}, b.ProcessQueue(ctx, countingOK))
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, a.Len())
	assert.Zero(t, b.Len(), "claimed operation is dropped without being sent")
}

func TestDeliveredCache_FailedDeliveryReleasesClaim(t *testing.T) {
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()
	q := newTestQueue(t, nil, func(o *Options) {
		o.Delivered = cache
		o.MaxRetries = 1
	})
	ctx := context.Background()

	op := NewOperation{Type: "t", Data: map[string]string{"id": "retry-me"}}
	_, err := q.Enqueue(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Failed: 1}, q.ProcessQueue(ctx, alwaysFail))
	assert.False(t, cache.Delivered("retry-me"))

	// A dead-lettered operation can be queued and sent again.
	_, err = q.Enqueue(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Synced: 1}, q.ProcessQueue(ctx, alwaysOK))
	assert.True(t, cache.Delivered("retry-me"))
}

func TestOnStatusChange(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var got []SyncStatus
	unsubscribe := q.OnStatusChange(func(s SyncStatus) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	mu.Lock()
	require.Len(t, got, 1, "immediate snapshot on subscribe")
	assert.Equal(t, 0, got[0].QueueLength)
	assert.Nil(t, got[0].LastSyncTime)
	mu.Unlock()

	op, err := q.Enqueue(ctx, NewOperation{Type: "t"})
	require.NoError(t, err)
	_, err = q.RemoveOperation(ctx, op.ID)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, NewOperation{Type: "t"})
	require.NoError(t, err)
	q.ProcessQueue(ctx, alwaysOK)

	mu.Lock()
	// subscribe, enqueue, remove, enqueue, sync start, one op, sync end
	require.Len(t, got, 7)
	assert.Equal(t, 1, got[1].QueueLength)
	assert.Equal(t, 0, got[2].QueueLength)
	assert.True(t, got[4].IsSyncing)
	last := got[len(got)-1]
	assert.False(t, last.IsSyncing)
	assert.Equal(t, 0, last.QueueLength)
	require.NotNil(t, last.LastSyncTime)
	mu.Unlock()

	unsubscribe()
	_, err = q.Enqueue(ctx, NewOperation{Type: "t"})
	require.NoError(t, err)

	mu.Lock()
	assert.Len(t, got, 7)
	mu.Unlock()
}

func TestClear_ResetsFailedCount(t *testing.T) {
	q := newTestQueue(t, nil, func(o *Options) { o.MaxRetries = 1 })
	ctx := context.Background()
	_, err := q.Enqueue(ctx, NewOperation{Type: "t"})
	require.NoError(t, err)
	q.ProcessQueue(ctx, alwaysFail)
	require.Equal(t, 1, q.Status().FailedCount)

	require.NoError(t, q.Clear(ctx))
	assert.Equal(t, 0, q.Status().FailedCount)
}

func TestNext(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	ctx := context.Background()

	_, ok := q.Next()
	assert.False(t, ok)

	first, err := q.Enqueue(ctx, NewOperation{Type: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, NewOperation{Type: "b"})
	require.NoError(t, err)

	next, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, first.ID, next.ID)
	assert.Equal(t, 2, q.Len(), "Next does not dequeue")
}
