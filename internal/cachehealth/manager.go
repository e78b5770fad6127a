// Package cachehealth owns the single long-lived connection to the volatile
// cache. It tracks connection health, reconnects with bounded backoff, and
// flips the process-wide fallback flag once the cache is considered gone.
// Every stateful component reaches the cache through SafeOperation so that a
// cache outage degrades to the in-process memory tier instead of failing
// requests.
package cachehealth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/stafflow/authkit/internal/serviceerr"
)

const (
	maxReconnectAttempts = 10
	backoffStep          = 100 * time.Millisecond
	backoffCeiling       = 3 * time.Second
	defaultOpTimeout     = 5 * time.Second
)

type Manager struct {
	opts      valkey.ClientOption
	opTimeout time.Duration

	mu        sync.Mutex
	client    valkey.Client
	connected bool

	healthy      atomic.Bool
	fallback     atomic.Bool
	reconnecting atomic.Bool
}

type Option func(*Manager)

// WithOperationTimeout bounds every cache command issued through
// SafeOperation.
func WithOperationTimeout(d time.Duration) Option {
	return func(m *Manager) { m.opTimeout = d }
}

func NewManager(opts valkey.ClientOption, options ...Option) *Manager {
	m := &Manager{
		opts:      opts,
		opTimeout: defaultOpTimeout,
	}
	for _, opt := range options {
		if opt != nil {
			opt(m)
		}
	}

	return m
}

// Connect establishes the cache connection and verifies it with a ping.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	client, err := valkey.NewClient(m.opts)
	if err != nil {
		return errors.Join(errors.New("creating valkey client"), err)
	}

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return errors.Join(errors.New("pinging valkey"), err)
	}

	m.client = client
	m.connected = true
	m.healthy.Store(true)
	m.LeaveFallbackMode()
	slogctx.Info(ctx, "Connected to the volatile cache")

	return nil
}

// Disconnect closes the connection. Safe to call when never connected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	m.connected = false
	m.healthy.Store(false)
}

// Ping checks the connection end to end.
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	if client == nil {
		return serviceerr.ErrNoValue
	}

	return client.Do(ctx, client.B().Ping().Build()).Error()
}

// IsHealthy is true only when the connection is established and the last
// interaction with the cache succeeded.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()

	return connected && m.healthy.Load()
}

func (m *Manager) InFallbackMode() bool {
	return m.fallback.Load()
}

// EnterFallbackMode flips the process-wide fallback flag. Idempotent and safe
// to call from concurrent event callbacks.
func (m *Manager) EnterFallbackMode() {
	if m.fallback.CompareAndSwap(false, true) {
		slogctx.Warn(context.Background(), "Volatile cache unavailable, entering fallback mode")
	}
}

// LeaveFallbackMode clears the fallback flag. Idempotent.
func (m *Manager) LeaveFallbackMode() {
	if m.fallback.CompareAndSwap(true, false) {
		slogctx.Info(context.Background(), "Volatile cache recovered, leaving fallback mode")
	}
}

// Reconnect is the manual escape hatch out of fallback mode once the
// automatic retries have given up.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		if err := m.Connect(ctx); err != nil {
			return err
		}

		return nil
	}

	if err := m.Ping(ctx); err != nil {
		return err
	}

	m.healthy.Store(true)
	m.LeaveFallbackMode()

	return nil
}

// markUnhealthy records a failed cache interaction and kicks off the
// background reconnect loop. Only one loop runs at a time.
func (m *Manager) markUnhealthy(ctx context.Context) {
	m.healthy.Store(false)

	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}

	go m.reconnectLoop(context.WithoutCancel(ctx))
}

// reconnectLoop retries with bounded backoff. After maxReconnectAttempts
// failures the manager enters fallback mode and stops retrying; a manual
// Reconnect is required from that point on.
func (m *Manager) reconnectLoop(ctx context.Context) {
	defer m.reconnecting.Store(false)

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffDelay(attempt)):
		}

		if err := m.Ping(ctx); err != nil {
			slogctx.Warn(ctx, "Cache reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		m.healthy.Store(true)
		m.LeaveFallbackMode()
		slogctx.Info(ctx, "Cache connection restored", "attempt", attempt)

		return
	}

	m.EnterFallbackMode()
}

func backoffDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * backoffStep
	if d > backoffCeiling {
		return backoffCeiling
	}

	return d
}

// SafeOperation runs op against the cache when it is healthy, falling back to
// the supplied function otherwise. Errors from op are logged and swallowed;
// the caller either gets the fallback answer or serviceerr.ErrNoValue. This
// trades strict consistency for availability on purpose.
func SafeOperation[T any](
	ctx context.Context,
	m *Manager,
	op func(ctx context.Context, client valkey.Client) (T, error),
	fallback func(ctx context.Context) (T, error),
) (T, error) {
	var zero T

	if m.IsHealthy() && !m.InFallbackMode() {
		opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
		defer cancel()

		m.mu.Lock()
		client := m.client
		m.mu.Unlock()

		result, err := op(opCtx, client)
		if err == nil {
			return result, nil
		}

		// A miss is a valid answer from a healthy cache, not a failure.
		if errors.Is(err, serviceerr.ErrNotFound) {
			return zero, err
		}

		slogctx.Warn(ctx, "Cache operation failed, degrading to fallback", "error", err)
		m.markUnhealthy(ctx)
	}

	if fallback == nil {
		return zero, serviceerr.ErrNoValue
	}

	return fallback(ctx)
}
