package adapter

import (
	"context"
	"time"

	"github.com/quantrail/sessionengine/internal/net/ratelimit"
	"github.com/quantrail/sessionengine/internal/sessiondata"
	"github.com/quantrail/sessionengine/internal/timeutil"
	"github.com/sony/gobreaker"
)

// ResilientConfig tunes the breaker/limiter wrapping around a DataAdapter.
type ResilientConfig struct {
	FailureThreshold uint32        // consecutive failures before the breaker opens
	OpenTimeout      time.Duration // how long the breaker stays open before probing
	RefetchRPS       float64       // refetch requests per second, per symbol
	RefetchBurst     int
}

// DefaultResilientConfig matches the teacher's circuit.Breaker defaults
// (5 consecutive failures, 30s cool-down).
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		RefetchRPS:       2,
		RefetchBurst:     4,
	}
}

// Resilient wraps a DataAdapter so the Data Quality Manager's live-mode gap
// refetch doesn't retry-storm a flapping venue: GetBars/Refetch go through
// a gobreaker.CircuitBreaker, and Refetch is additionally rate-limited per
// symbol (§6.1, §4.7).
type Resilient struct {
	inner   DataAdapter
	breaker *gobreaker.CircuitBreaker
	limiter *ratelimit.Limiter
}

// NewResilient wraps inner with the given circuit-breaker/rate-limit
// policy.
func NewResilient(inner DataAdapter, cfg ResilientConfig) *Resilient {
	settings := gobreaker.Settings{
		Name:        "data_adapter",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	return &Resilient{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: ratelimit.NewLimiter(cfg.RefetchRPS, cfg.RefetchBurst),
	}
}

func (r *Resilient) GetBars(ctx context.Context, symbol string, interval timeutil.Interval, start, end time.Time) ([]sessiondata.Bar, error) {
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.GetBars(ctx, symbol, interval, start, end)
	})
	if err != nil {
		return nil, err
	}
	return out.([]sessiondata.Bar), nil
}

func (r *Resilient) GetQuotes(ctx context.Context, symbol string, start, end time.Time) ([]sessiondata.Quote, error) {
	return r.inner.GetQuotes(ctx, symbol, start, end)
}

func (r *Resilient) GetTicks(ctx context.Context, symbol string, start, end time.Time) ([]sessiondata.Tick, error) {
	return r.inner.GetTicks(ctx, symbol, start, end)
}

func (r *Resilient) CheckAvailability(ctx context.Context, symbol string) (Availability, error) {
	return r.inner.CheckAvailability(ctx, symbol)
}

func (r *Resilient) OpenLiveStream(ctx context.Context, symbols []string, baseInterval timeutil.Interval) (LiveStream, error) {
	return r.inner.OpenLiveStream(ctx, symbols, baseInterval)
}

// Refetch rate-limits per symbol before going through the breaker, so a
// burst of gap detections on one symbol can't by itself trip the breaker
// for every other symbol sharing the adapter.
func (r *Resilient) Refetch(ctx context.Context, symbol string, interval timeutil.Interval, missing sessiondata.TimeRange) ([]sessiondata.Bar, error) {
	if err := r.limiter.Wait(ctx, symbol); err != nil {
		return nil, err
	}
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.Refetch(ctx, symbol, interval, missing)
	})
	if err != nil {
		return nil, err
	}
	return out.([]sessiondata.Bar), nil
}

func (r *Resilient) Health(ctx context.Context) Health {
	h := r.inner.Health(ctx)
	if r.breaker.State() == gobreaker.StateOpen {
		h.Recommendation = "reconnect: circuit open"
	}
	return h
}
