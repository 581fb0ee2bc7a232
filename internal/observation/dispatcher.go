// Package observation delivers committed change lists to post-commit
// listeners on a background goroutine.
package observation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cards/internal/platform/logger"
	"cards/internal/platform/metrics"
	"cards/pkg/domain"
)

// Listener reacts to committed changes. Listeners may write to the store;
// their own commits are delivered in a later batch.
type Listener interface {
	Name() string
	OnChange(ctx context.Context, changes []domain.Change) error
}

// ListenerFunc adapts a function into a Listener.
type ListenerFunc struct {
	ID string
	Fn func(ctx context.Context, changes []domain.Change) error
}

// Name returns the listener name.
func (l ListenerFunc) Name() string { return l.ID }

// OnChange calls Fn.
func (l ListenerFunc) OnChange(ctx context.Context, changes []domain.Change) error {
	return l.Fn(ctx, changes)
}

var _ domain.Observer = (*Dispatcher)(nil)

type batch struct {
	user    string
	changes []domain.Change
}

// Dispatcher queues change batches and hands them to every listener in
// registration order. Observe never blocks, so it is safe to call while the
// store holds its commit lock.
type Dispatcher struct {
	mu        sync.Mutex
	listeners []Listener
	pending   []batch
	inflight  int
	signal    chan struct{}
	stop      chan struct{}
	done      chan struct{}
	started   bool
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger.OrDiscard(l) }
}

// WithMetrics counts listener failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher constructs a stopped dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		signal: make(chan struct{}, 1),
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a listener.
func (d *Dispatcher) Register(l Listener) {
	if l == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Listeners returns the registered listener names.
func (d *Dispatcher) Listeners() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.listeners))
	for i, l := range d.listeners {
		out[i] = l.Name()
	}
	return out
}

// Observe queues a committed change list.
func (d *Dispatcher) Observe(ctx context.Context, changes []domain.Change) {
	if len(changes) == 0 {
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, batch{user: domain.UserFrom(ctx), changes: changes})
	d.inflight++
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Start launches the delivery loop. Listener contexts derive from ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	d.mu.Unlock()
	go d.loop(ctx)
}

// Stop ends the delivery loop after the batch being delivered completes.
// Batches still queued are dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	stop, done := d.stop, d.done
	d.mu.Unlock()
	close(stop)
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.mu.Lock()
	if dropped := len(d.pending); dropped > 0 {
		d.inflight -= dropped
		d.pending = nil
		d.logger.Warn("dropped undelivered change batches", "batches", dropped)
	}
	d.mu.Unlock()
	return nil
}

// Flush waits until every queued batch, including batches queued by
// listeners while flushing, has been delivered.
func (d *Dispatcher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		d.mu.Lock()
		idle, running := d.inflight == 0, d.started
		d.mu.Unlock()
		if idle {
			return nil
		}
		if !running {
			return errors.New("flush: dispatcher not started")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-d.signal:
		}
		for {
			d.mu.Lock()
			if len(d.pending) == 0 {
				d.mu.Unlock()
				break
			}
			next := d.pending[0]
			d.pending = d.pending[1:]
			listeners := append([]Listener(nil), d.listeners...)
			d.mu.Unlock()

			d.deliver(domain.WithUser(ctx, next.user), listeners, next.changes)

			d.mu.Lock()
			d.inflight--
			d.mu.Unlock()
			select {
			case <-d.stop:
				return
			default:
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, listeners []Listener, changes []domain.Change) {
	for _, l := range listeners {
		if err := d.safeCall(ctx, l, changes); err != nil {
			d.metrics.IncListenerFailure(l.Name())
			d.logger.Error("listener failed", "listener", l.Name(), "changes", len(changes), "error", err)
		}
	}
}

func (d *Dispatcher) safeCall(ctx context.Context, l Listener, changes []domain.Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.OnChange(ctx, changes)
}
