// ABOUTME: Durable offline operation queue replayed against the gateway when online.
// ABOUTME: Single-flight sync passes, per-operation retry budgets and status subscribers.

package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/helix-gateway/internal/dedupe"
)

// StorageKey is the single key the queue is persisted under.
const StorageKey = "helix-offline-queue"

var (
	// ErrAlreadyDelivered is returned by Enqueue when the operation id was
	// synced recently.
	ErrAlreadyDelivered = errors.New("operation already delivered")

	// ErrInvalidOperation is returned by Enqueue for an operation without a type.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Storage is a durable key-value store. Get reports found=false for a
// missing key.
type Storage interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// DeadLetterFunc receives operations that exhausted their retry budget,
// together with the last sync error.
type DeadLetterFunc func(op Operation, lastErr error)

// Options configure a Queue.
type Options struct {
	// Storage backs persistence. Nil keeps the queue in memory.
	Storage Storage
	// Persist enables writes to Storage.
	Persist bool
	// Online reports connectivity. Nil means always online.
	Online func() bool
	// MaxRetries is the default per-operation retry budget.
	MaxRetries int
	// Delivered, if set, remembers synced ids and rejects their re-enqueue.
	Delivered *dedupe.Cache
	// OnDeadLetter is called after a pass for every operation it gave up on.
	OnDeadLetter DeadLetterFunc
	Logger       *slog.Logger
}

// Queue holds operations in enqueue order and replays them through a SyncFunc.
type Queue struct {
	storage      Storage
	online       func() bool
	maxRetries   int
	delivered    *dedupe.Cache
	onDeadLetter DeadLetterFunc
	logger       *slog.Logger

	syncing atomic.Bool

	mu          sync.Mutex
	ops         []Operation
	failedCount int
	lastSync    *time.Time
	listeners   map[int]func(SyncStatus)
	nextID      int
}

// New creates a Queue and loads any persisted operations. Unreadable or
// corrupted storage yields an empty queue.
func New(ctx context.Context, opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		online:       opts.Online,
		maxRetries:   opts.MaxRetries,
		delivered:    opts.Delivered,
		onDeadLetter: opts.OnDeadLetter,
		logger:       logger.With("component", "offline_queue"),
		listeners:    make(map[int]func(SyncStatus)),
	}
	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if opts.Persist && opts.Storage != nil {
		q.storage = opts.Storage
		q.ops = q.load(ctx)
	}
	return q
}

func (q *Queue) load(ctx context.Context) []Operation {
	raw, found, err := q.storage.Get(ctx, StorageKey)
	if err != nil {
		q.logger.Warn("reading persisted queue failed, starting empty", "error", err)
		return nil
	}
	if !found || len(raw) == 0 {
		return nil
	}

	var stored []Operation
	if err := json.Unmarshal(raw, &stored); err != nil {
		q.logger.Warn("persisted queue is corrupted, starting empty", "error", err, "bytes", len(raw))
		return nil
	}

	ops := make([]Operation, 0, len(stored))
	seen := make(map[string]bool, len(stored))
	for _, op := range stored {
		if op.ID == "" || op.Type == "" || seen[op.ID] {
			q.logger.Warn("skipping invalid persisted operation", "operation_id", op.ID, "type", op.Type)
			continue
		}
		seen[op.ID] = true
		if op.MaxRetries <= 0 {
			op.MaxRetries = q.maxRetries
		}
		ops = append(ops, op)
	}
	q.logger.Info("loaded persisted queue", "operations", len(ops))
	return ops
}

// Enqueue appends an operation and persists the queue. It never waits on the
// network. Enqueueing an id that is already queued returns the queued copy.
func (q *Queue) Enqueue(ctx context.Context, in NewOperation) (Operation, error) {
	if in.Type == "" {
		return Operation{}, fmt.Errorf("%w: type is required", ErrInvalidOperation)
	}
	data, err := encodeData(in.Data)
	if err != nil {
		return Operation{}, fmt.Errorf("%w: %w", ErrInvalidOperation, err)
	}

	op := Operation{
		ID:         operationID(data),
		Type:       in.Type,
		Data:       data,
		EnqueuedAt: time.Now().UTC(),
		MaxRetries: in.MaxRetries,
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = q.maxRetries
	}

	if q.delivered != nil && q.delivered.Delivered(op.ID) {
		return Operation{}, fmt.Errorf("%w: %s", ErrAlreadyDelivered, op.ID)
	}

	q.mu.Lock()
	if i := q.indexLocked(op.ID); i >= 0 {
		existing := q.ops[i]
		q.mu.Unlock()
		q.logger.Debug("operation already queued", "operation_id", op.ID)
		return existing, nil
	}
	q.ops = append(q.ops, op)
	if err := q.persistLocked(ctx); err != nil {
		q.ops = q.ops[:len(q.ops)-1]
		q.mu.Unlock()
		return Operation{}, err
	}
	q.mu.Unlock()

	q.logger.Debug("operation enqueued", "operation_id", op.ID, "type", op.Type)
	q.notify()
	return op, nil
}

// ProcessQueue runs one sync pass. It returns a zero result immediately if
// another pass is running or the queue is offline. Each queued operation is
// attempted once, in enqueue order. The pass stops early if ctx is done or
// connectivity is lost.
func (q *Queue) ProcessQueue(ctx context.Context, syncFn SyncFunc) SyncResult {
	var result SyncResult
	if !q.isOnline() {
		return result
	}
	if !q.syncing.CompareAndSwap(false, true) {
		return result
	}
	q.notify()

	q.mu.Lock()
	batch := append([]Operation(nil), q.ops...)
	q.mu.Unlock()

	type deadLetter struct {
		op  Operation
		err error
	}
	var dead []deadLetter

	for _, op := range batch {
		if ctx.Err() != nil || !q.isOnline() {
			q.logger.Info("sync pass interrupted", "synced", result.Synced, "failed", result.Failed)
			break
		}

		q.mu.Lock()
		queued := q.indexLocked(op.ID) >= 0
		q.mu.Unlock()
		if !queued {
			continue
		}

		if q.delivered != nil && q.delivered.Claim(op.ID) {
			q.dropDelivered(ctx, op)
			continue
		}

		err := q.deliver(ctx, syncFn, op)
		if q.delivered != nil {
			if err == nil {
				q.delivered.MarkDelivered(op.ID)
			} else {
				q.delivered.Forget(op.ID)
			}
		}

		q.mu.Lock()
		i := q.indexLocked(op.ID)
		if i < 0 {
			// Removed while we were delivering it.
			q.mu.Unlock()
			continue
		}
		if err == nil {
			q.removeAtLocked(i)
			result.Synced++
		} else {
			q.ops[i].Retries++
			if q.ops[i].Retries >= q.ops[i].MaxRetries {
				dead = append(dead, deadLetter{op: q.ops[i], err: err})
				q.removeAtLocked(i)
				result.Failed++
				q.failedCount++
				q.logger.Warn("operation failed permanently", "operation_id", op.ID, "type", op.Type, "retries", op.Retries+1, "error", err)
			} else {
				q.logger.Debug("operation sync failed", "operation_id", op.ID, "retries", q.ops[i].Retries, "error", err)
			}
		}
		if perr := q.persistLocked(ctx); perr != nil {
			q.logger.Warn("persisting queue after sync failed", "error", perr)
		}
		q.mu.Unlock()
		q.notify()
	}

	now := time.Now().UTC()
	q.mu.Lock()
	q.lastSync = &now
	q.mu.Unlock()
	q.syncing.Store(false)

	if result.Synced > 0 || result.Failed > 0 {
		q.logger.Info("sync pass complete", "synced", result.Synced, "failed", result.Failed)
	}
	q.notify()

	if q.onDeadLetter != nil {
		for _, d := range dead {
			q.onDeadLetter(d.op, d.err)
		}
	}
	return result
}

// dropDelivered removes op without sending it; another pass or queue sharing
// the delivered cache already claimed it.
func (q *Queue) dropDelivered(ctx context.Context, op Operation) {
	q.mu.Lock()
	if i := q.indexLocked(op.ID); i >= 0 {
		q.removeAtLocked(i)
		if err := q.persistLocked(ctx); err != nil {
			q.logger.Warn("persisting queue after sync failed", "error", err)
		}
	}
	q.mu.Unlock()
	q.logger.Debug("operation already delivered", "operation_id", op.ID, "type", op.Type)
	q.notify()
}

// deliver calls syncFn, converting a panic into an error.
func (q *Queue) deliver(ctx context.Context, syncFn SyncFunc, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panicked: %v", r)
		}
	}()
	return syncFn(ctx, op)
}

// Status returns the current aggregate state.
func (q *Queue) Status() SyncStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *Queue) statusLocked() SyncStatus {
	s := SyncStatus{
		IsOnline:    q.isOnline(),
		QueueLength: len(q.ops),
		IsSyncing:   q.syncing.Load(),
		FailedCount: q.failedCount,
	}
	if q.lastSync != nil {
		t := *q.lastSync
		s.LastSyncTime = &t
	}
	return s
}

// OnStatusChange calls l with the current status now and after every later
// mutation. The returned function unsubscribes.
func (q *Queue) OnStatusChange(l func(SyncStatus)) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = l
	status := q.statusLocked()
	q.mu.Unlock()

	l(status)

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// Clear drops every queued operation and resets the failure count.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	prev, prevFailed := q.ops, q.failedCount
	q.ops = nil
	q.failedCount = 0
	if err := q.persistLocked(ctx); err != nil {
		q.ops, q.failedCount = prev, prevFailed
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	q.notify()
	return nil
}

// RemoveOperation deletes the operation with id. It reports whether one was
// queued.
func (q *Queue) RemoveOperation(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return false, nil
	}
	removed := q.ops[i]
	q.removeAtLocked(i)
	if err := q.persistLocked(ctx); err != nil {
		q.ops = append(q.ops[:i], append([]Operation{removed}, q.ops[i:]...)...)
		q.mu.Unlock()
		return false, err
	}
	q.mu.Unlock()

	q.notify()
	return true, nil
}

// Operations returns a copy of the queue in enqueue order.
func (q *Queue) Operations() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Operation(nil), q.ops...)
}

// Next returns the oldest queued operation.
func (q *Queue) Next() (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return Operation{}, false
	}
	return q.ops[0], true
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *Queue) isOnline() bool {
	return q.online == nil || q.online()
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.ops {
		if q.ops[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) removeAtLocked(i int) {
	q.ops = append(q.ops[:i:i], q.ops[i+1:]...)
}

// persistLocked writes the whole queue under StorageKey. An empty queue
// removes the key.
func (q *Queue) persistLocked(ctx context.Context) error {
	if q.storage == nil {
		return nil
	}
	if len(q.ops) == 0 {
		if err := q.storage.Remove(ctx, StorageKey); err != nil {
			return fmt.Errorf("persisting queue: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(q.ops)
	if err != nil {
		return fmt.Errorf("encoding queue: %w", err)
	}
	if err := q.storage.Set(ctx, StorageKey, data); err != nil {
		return fmt.Errorf("persisting queue: %w", err)
	}
	return nil
}

func (q *Queue) notify() {
	q.mu.Lock()
	status := q.statusLocked()
	listeners := make([]func(SyncStatus), 0, len(q.listeners))
	for _, l := range q.listeners {
		listeners = append(listeners, l)
	}
	q.mu.Unlock()

	for _, l := range listeners {
		l(status)
	}
}
