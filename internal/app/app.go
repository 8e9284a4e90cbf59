// ABOUTME: Composition root wiring the gateway client to the offline queue.
// ABOUTME: Builds both from config and replays queued operations whenever the session is up.

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/helix-gateway/internal/backoff"
	"github.com/2389/helix-gateway/internal/config"
	"github.com/2389/helix-gateway/internal/dedupe"
	"github.com/2389/helix-gateway/internal/gateway"
	"github.com/2389/helix-gateway/internal/kvstore"
	"github.com/2389/helix-gateway/internal/offline"
	"github.com/2389/helix-gateway/internal/protocol"
	"github.com/2389/helix-gateway/internal/session"
	"github.com/2389/helix-gateway/internal/transport"
)

// DeadLetterKey holds operations the queue gave up on.
const DeadLetterKey = "helix-offline-dead-letters"

// maxDeadLetters bounds the stored dead-letter list; the oldest are dropped.
const maxDeadLetters = 100

// ErrOfflineDisabled is returned by queue operations when offline.enabled is false.
var ErrOfflineDisabled = errors.New("offline queue is disabled")

// Option customizes New.
type Option func(*App)

// WithDialer replaces the WebSocket dialer built from config.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithStore replaces the store opened from offline.store and offline.path.
// The App does not close a store supplied this way.
func WithStore(s kvstore.Store) Option {
	return func(a *App) { a.store, a.ownsStore = s, false }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// Status is a point-in-time view of the connection and the queue.
type Status struct {
	State   gateway.State       `json:"state"`
	Session *session.Session    `json:"session,omitempty"`
	Queue   *offline.SyncStatus `json:"queue,omitempty"`
}

// App owns one gateway Client and, when enabled, the offline Queue that
// replays through it.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	dialer    transport.Dialer
	store     kvstore.Store
	ownsStore bool

	client    *gateway.Client
	queue     *offline.Queue
	delivered *dedupe.Cache
	limiter   *rate.Limiter

	deadMu    sync.Mutex
	trigger   chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New builds the client and queue from cfg. Nothing connects until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		ownsStore: true,
		trigger:   make(chan struct{}, 1),
		// Reconnect storms and timers share one pass per second.
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "app")

	token, err := cfg.ResolveToken()
	if err != nil {
		return nil, err
	}

	codec := protocol.CodecFor(cfg.Gateway.Codec)
	if a.dialer == nil {
		a.dialer = &transport.WebSocketDialer{
			URL:    cfg.Gateway.URL,
			Token:  token,
			Binary: codec.Binary(),
		}
	}

	client, err := gateway.New(clientOptions(cfg, a.dialer, codec, token, a.logger))
	if err != nil {
		return nil, fmt.Errorf("creating gateway client: %w", err)
	}
	a.client = client

	if cfg.Offline.Enabled {
		if err := a.openQueue(ctx); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func clientOptions(cfg *config.Config, dialer transport.Dialer, codec protocol.Codec, token string, logger *slog.Logger) gateway.Options {
	interval := cfg.Heartbeat.Interval
	if interval == 0 {
		interval = -1
	}
	return gateway.Options{
		Dialer: dialer,
		Codec:  codec,
		Handshake: session.Params{
			Client: session.ClientInfo{
				ID:       cfg.Client.ID,
				Mode:     cfg.Client.Mode,
				Version:  cfg.Client.Version,
				Platform: cfg.Client.Platform,
			},
			MinProtocol: cfg.Gateway.MinProtocol,
			MaxProtocol: cfg.Gateway.MaxProtocol,
			Role:        cfg.Gateway.Role,
			Scopes:      cfg.Gateway.Scopes,
			Token:       token,
			Timeout:     cfg.Gateway.HandshakeTimeout,
		},
		HeartbeatInterval: interval,
		HeartbeatTimeout:  cfg.Heartbeat.Timeout,
		RequestTimeout:    cfg.Gateway.RequestTimeout,
		Reconnect:         cfg.Reconnect.Enabled,
		Backoff: backoff.Policy{
			Base:        cfg.Reconnect.BaseDelay,
			Max:         cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			Jitter:      cfg.Reconnect.Jitter,
		},
		Logger: logger,
	}
}

func (a *App) openQueue(ctx context.Context) error {
	oc := a.cfg.Offline
	if a.store == nil && oc.Persist {
		store, err := kvstore.Open(oc.Store, oc.Path)
		if err != nil {
			return fmt.Errorf("opening offline store: %w", err)
		}
		a.store = store
	}

	a.delivered = dedupe.New(oc.DeliveredTTL, oc.DeliveredMax)

	opts := offline.Options{
		Persist:      oc.Persist,
		Online:       a.client.IsConnected,
		MaxRetries:   oc.MaxRetries,
		Delivered:    a.delivered,
		OnDeadLetter: a.recordDeadLetter,
		Logger:       a.logger,
	}
	if a.store != nil {
		opts.Storage = a.store
	}
	a.queue = offline.New(ctx, opts)
	return nil
}

// Client returns the gateway client.
func (a *App) Client() *gateway.Client { return a.client }

// Queue returns the offline queue, or nil when disabled.
func (a *App) Queue() *offline.Queue { return a.queue }

// Start connects to the gateway and starts the sync loop. A transport failure
// with reconnect enabled is logged and left to the reconnect loop; a
// negotiation failure is returned.
func (a *App) Start(ctx context.Context) error {
	if a.queue != nil && a.cancel == nil {
		a.client.On(gateway.EventConnected, func(json.RawMessage) { a.TriggerSync() })

		loopCtx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.wg.Add(1)
		go a.syncLoop(loopCtx)
	}

	err := a.client.Start(ctx)
	if err == nil {
		return nil
	}
	var te *transport.Error
	if errors.As(err, &te) && a.cfg.Reconnect.Enabled {
		a.logger.Warn("gateway unavailable, will keep retrying", "url", a.cfg.Gateway.URL, "error", err)
		return nil
	}
	return err
}

// Run starts the app and blocks until ctx is cancelled. It always closes the
// App before returning.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return err
	}
	<-ctx.Done()
	return a.Close()
}

// Close stops the sync loop, disconnects and releases the store. Later calls
// return the first result.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		a.closeErr = a.client.Close()
		if a.delivered != nil {
			a.delivered.Close()
		}
		if a.store != nil && a.ownsStore {
			if err := a.store.Close(); err != nil && a.closeErr == nil {
				a.closeErr = err
			}
		}
	})
	return a.closeErr
}

// Request sends method directly, failing fast when disconnected.
func (a *App) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return a.client.Request(ctx, method, params)
}

// Submit queues a state-changing operation for at-least-once delivery and
// nudges the sync loop. It returns as soon as the operation is persisted.
func (a *App) Submit(ctx context.Context, method string, params any, maxRetries int) (offline.Operation, error) {
	if a.queue == nil {
		return offline.Operation{}, ErrOfflineDisabled
	}
	op, err := a.queue.Enqueue(ctx, offline.NewOperation{Type: method, Data: params, MaxRetries: maxRetries})
	if err != nil {
		return offline.Operation{}, err
	}
	a.TriggerSync()
	return op, nil
}

// TriggerSync asks the sync loop for a pass without waiting for it.
func (a *App) TriggerSync() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// SyncNow runs a pass immediately, bypassing the rate limit.
func (a *App) SyncNow(ctx context.Context) (offline.SyncResult, error) {
	if a.queue == nil {
		return offline.SyncResult{}, ErrOfflineDisabled
	}
	return a.queue.ProcessQueue(ctx, a.deliver), nil
}

// Status reports the connection state and queue status.
func (a *App) Status() Status {
	s := Status{State: a.client.State(), Session: a.client.Session()}
	if a.queue != nil {
		qs := a.queue.Status()
		s.Queue = &qs
	}
	return s
}

func (a *App) syncLoop(ctx context.Context) {
	defer a.wg.Done()

	var tick <-chan time.Time
	if a.cfg.Offline.SyncInterval > 0 {
		ticker := time.NewTicker(a.cfg.Offline.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-a.trigger:
		}

		if a.queue.Len() == 0 || !a.client.IsConnected() {
			continue
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		result := a.queue.ProcessQueue(ctx, a.deliver)
		if result.Synced > 0 || result.Failed > 0 {
			a.logger.Info("offline queue synced", "synced", result.Synced, "failed", result.Failed)
		}
	}
}

// deliver sends one queued operation as a gateway request named by its type.
func (a *App) deliver(ctx context.Context, op offline.Operation) error {
	_, err := a.client.Request(ctx, op.Type, op.Data)
	return err
}

func (a *App) recordDeadLetter(op offline.Operation, lastErr error) {
	a.logger.Error("offline operation dead-lettered",
		"operation_id", op.ID,
		"type", op.Type,
		"retries", op.Retries,
		"error", lastErr,
	)
	if a.store == nil {
		return
	}

	a.deadMu.Lock()
	defer a.deadMu.Unlock()

	ctx := context.Background()
	letters, err := a.readDeadLetters(ctx)
	if err != nil {
		a.logger.Warn("reading dead letters failed, starting a new list", "error", err)
		letters = nil
	}
	letters = append(letters, op)
	if len(letters) > maxDeadLetters {
		letters = letters[len(letters)-maxDeadLetters:]
	}

	data, err := json.Marshal(letters)
	if err != nil {
		a.logger.Error("encoding dead letters", "error", err)
		return
	}
	if err := a.store.Set(ctx, DeadLetterKey, data); err != nil {
		a.logger.Error("persisting dead letters", "error", err)
	}
}

// DeadLetters returns the operations the queue gave up on, oldest first.
func (a *App) DeadLetters(ctx context.Context) ([]offline.Operation, error) {
	if a.store == nil {
		return nil, nil
	}
	a.deadMu.Lock()
	defer a.deadMu.Unlock()
	return a.readDeadLetters(ctx)
}

// ClearDeadLetters drops the stored dead letters.
func (a *App) ClearDeadLetters(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	a.deadMu.Lock()
	defer a.deadMu.Unlock()
	return a.store.Remove(ctx, DeadLetterKey)
}

func (a *App) readDeadLetters(ctx context.Context) ([]offline.Operation, error) {
	raw, found, err := a.store.Get(ctx, DeadLetterKey)
	if err != nil || !found {
		return nil, err
	}
	var letters []offline.Operation
	if err := json.Unmarshal(raw, &letters); err != nil {
		return nil, fmt.Errorf("decoding dead letters: %w", err)
	}
	return letters, nil
}
