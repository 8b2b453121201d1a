/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gate

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// Gate bounds the number of concurrently executing operations.
// Submissions over the limit are queued and admitted in strict FIFO order
// as slots are released. The zero value is not usable, use New.
type Gate struct {
	limit   int
	metrics *MetricsCollector

	mu      sync.Mutex
	active  int
	waiters *list.List // of chan struct{}, closed on admission
}

// Stats is a snapshot of the gate state.
type Stats struct {
	// Limit is the gate's concurrency ceiling.
	Limit int
	// InFlight is the number of admitted operations that have not completed yet.
	InFlight int
	// Queued is the number of submissions waiting for admission.
	Queued int
}

// Opts represents options for the Gate.
type Opts struct {
	// MetricsCollector is an optional collector of the gate metrics.
	// If nil, metrics are not collected.
	MetricsCollector *MetricsCollector
}

// New creates a new Gate with the given concurrency limit.
func New(limit int) (*Gate, error) {
	return NewWithOpts(limit, Opts{})
}

// NewWithOpts is a configurable version of New.
func NewWithOpts(limit int, opts Opts) (*Gate, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit should be positive, got %d", limit)
	}
	return &Gate{
		limit:   limit,
		metrics: opts.MetricsCollector,
		waiters: list.New(),
	}, nil
}

// MustNew is a version of New that panics on error.
func MustNew(limit int) *Gate {
	g, err := New(limit)
	if err != nil {
		panic(err)
	}
	return g
}

// MustNewWithOpts is a version of NewWithOpts that panics on error.
func MustNewWithOpts(limit int, opts Opts) *Gate {
	g, err := NewWithOpts(limit, opts)
	if err != nil {
		panic(err)
	}
	return g
}

// NewWithConfig creates a new Gate based on the passed configuration.
func NewWithConfig(cfg *Config, opts Opts) (*Gate, error) {
	return NewWithOpts(cfg.Limit, opts)
}

// Limit returns the gate's concurrency ceiling.
func (g *Gate) Limit() int {
	return g.limit
}

// Stats returns a snapshot of the current gate state.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Limit: g.limit, InFlight: g.active, Queued: g.waiters.Len()}
}

// Acquire blocks until a slot is granted or the passed context is done.
// Slots are granted in the order Acquire was called. Each successful Acquire
// must be paired with exactly one Release.
//
// Cancellation applies only while the caller is queued; once a slot is granted,
// it stays granted until Release.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()

	// Invariant: the queue is non-empty only while active == limit,
	// so a free slot here means nobody is waiting for it.
	if g.active < g.limit {
		g.active++
		g.mu.Unlock()
		if g.metrics != nil {
			g.metrics.WaitDuration.Observe(0)
		}
		g.updateGauges()
		return nil
	}

	ready := make(chan struct{})
	elem := g.waiters.PushBack(ready)
	g.mu.Unlock()
	g.updateGauges()

	var start time.Time
	if g.metrics != nil {
		start = time.Now()
	}

	select {
	case <-ready:
		if g.metrics != nil {
			g.metrics.WaitDuration.Observe(time.Since(start).Seconds())
		}
		g.updateGauges()
		return nil

	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-ready:
			// Admission raced with cancellation, hand the granted slot over.
			g.releaseLocked()
		default:
			g.waiters.Remove(elem)
		}
		g.mu.Unlock()
		g.updateGauges()
		return ctx.Err()
	}
}

// Release returns a slot to the gate, admitting the head of the queue if any.
// It panics if called without a matching Acquire.
func (g *Gate) Release() {
	g.mu.Lock()
	g.releaseLocked()
	g.mu.Unlock()
	g.updateGauges()
}

func (g *Gate) releaseLocked() {
	if elem := g.waiters.Front(); elem != nil {
		// The slot is transferred to the first waiter, active is unchanged.
		g.waiters.Remove(elem)
		close(elem.Value.(chan struct{}))
		return
	}
	if g.active == 0 {
		panic("gate: Release is called more times than Acquire")
	}
	g.active--
}

// Do submits op to the gate and executes it once admitted, blocking the calling
// goroutine while the submission is queued. The slot is released when op
// returns or panics. The error of op is returned unchanged.
//
// If ctx is done before admission, op is not executed and ctx.Err() is returned.
// After admission the gate does not cancel op; the same ctx is passed to it so
// the operation can honor the deadline on its own.
func (g *Gate) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return op(ctx)
}

// Do submits a value-producing operation to the gate g and executes it once admitted.
// It behaves exactly like Gate.Do. It's a separate function because Go methods cannot
// have type parameters.
func Do[T any](ctx context.Context, g *Gate, op func(ctx context.Context) (T, error)) (T, error) {
	if err := g.Acquire(ctx); err != nil {
		var zero T
		return zero, err
	}
	defer g.Release()
	return op(ctx)
}

func (g *Gate) updateGauges() {
	if g.metrics == nil {
		return
	}
	stats := g.Stats()
	g.metrics.InFlight.Set(float64(stats.InFlight))
	g.metrics.Queued.Set(float64(stats.Queued))
}
