// Package subscription implements StreamSubscription (§4.3): the one-shot
// ready/consumed handshake that throttles a producer to at most one
// in-flight item per (symbol, interval) sync point until its consumer
// catches up.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quantrail/sessionengine/internal/sessionerr"
)

// Mode selects how WaitUntilReady behaves when the subscription's single
// slot isn't free (§4.3).
type Mode int

const (
	// ModeDataDriven blocks the caller until the slot frees up (up to a
	// timeout), throttling the producer to the consumer's pace.
	ModeDataDriven Mode = iota
	// ModeClockDriven never blocks: a slot that isn't immediately free
	// fails right away so the virtual or wall clock is never held up.
	ModeClockDriven
)

// DefaultTimeout bounds how long a ModeDataDriven wait blocks before
// surfacing a sessionerr.TimeoutError.
const DefaultTimeout = 5 * time.Second

// ModeFor derives the wait mode from a session's clock configuration, per
// the glossary's data-driven/clock-driven distinction: live sessions and
// any backtest with speed_multiplier > 0 prefer real-time pacing and
// surface overruns (clock-driven); a zero-speed backtest instead blocks
// producers on consumers (data-driven).
func ModeFor(live bool, speedMultiplier float64) Mode {
	if live || speedMultiplier > 0 {
		return ModeClockDriven
	}
	return ModeDataDriven
}

// StreamSubscription is the one-shot binary ready flag bound to one
// producer/consumer pair over one (symbol, interval) stream. It starts
// ready; WaitUntilReady atomically consumes the ready state and
// SignalReady restores it once the consumer has drained the in-flight
// item, guaranteeing at most one in-flight item per subscription.
type StreamSubscription struct {
	ID       string
	Symbol   string
	Interval string

	ready chan struct{}
}

// New creates a subscription for (symbol, interval), ready from the start
// per §4.3. Each subscription gets a unique ID so log lines and metrics can
// distinguish two handshakes over the same (symbol, interval) pair across a
// dropped and re-added symbol.
func New(symbol, interval string) *StreamSubscription {
	s := &StreamSubscription{
		ID:       uuid.New().String(),
		Symbol:   symbol,
		Interval: interval,
		ready:    make(chan struct{}, 1),
	}
	s.ready <- struct{}{}
	return s
}

func (s *StreamSubscription) syncPoint() string {
	return s.Symbol + ":" + s.Interval
}

// WaitUntilReady acquires the subscription's single slot. In
// ModeDataDriven it blocks until the slot frees up or timeout elapses,
// surfacing a *sessionerr.TimeoutError on expiry. In ModeClockDriven it
// never blocks: if the slot isn't immediately free, the consumer is late
// and this returns a *sessionerr.OverrunError right away.
func (s *StreamSubscription) WaitUntilReady(ctx context.Context, mode Mode, timeout time.Duration) error {
	if mode == ModeClockDriven {
		select {
		case <-s.ready:
			return nil
		default:
			return &sessionerr.OverrunError{SyncPoint: s.syncPoint()}
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		return nil
	case <-timer.C:
		return &sessionerr.TimeoutError{SyncPoint: s.syncPoint(), Waited: timeout.String()}
	case <-ctx.Done():
		return &sessionerr.TimeoutError{SyncPoint: s.syncPoint(), Waited: timeout.String()}
	}
}

// SignalReady releases the subscription's slot, waking any blocked
// data-driven waiter or freeing the next clock-driven check. Idempotent: a
// slot that's already free is left untouched.
func (s *StreamSubscription) SignalReady() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Registry tracks one StreamSubscription per (symbol, interval) key so the
// Session Coordinator, Data Processor, and Analysis Engine can share the
// same handshake object without passing it through every call site.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*StreamSubscription
}

// NewRegistry builds an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*StreamSubscription)}
}

func key(symbol, interval string) string { return symbol + "|" + interval }

// GetOrCreate returns the existing subscription for (symbol, interval), or
// creates one (ready from the start) if none exists yet.
func (r *Registry) GetOrCreate(symbol, interval string) *StreamSubscription {
	k := key(symbol, interval)

	r.mu.RLock()
	if s, ok := r.subs[k]; ok {
		r.mu.RUnlock()
		return s
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[k]; ok {
		return s
	}
	s := New(symbol, interval)
	r.subs[k] = s
	return s
}

// Remove drops the subscription for (symbol, interval), e.g. when a symbol
// is dropped from the session.
func (r *Registry) Remove(symbol, interval string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, key(symbol, interval))
}

// RemoveSymbol drops every subscription belonging to symbol.
func (r *Registry) RemoveSymbol(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, s := range r.subs {
		if s.Symbol == symbol {
			delete(r.subs, k)
		}
	}
}
