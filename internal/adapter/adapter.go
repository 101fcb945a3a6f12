// Package adapter defines the DataAdapter boundary (§6.1): the external
// collaborator the core calls into for bars, quotes, ticks, and live
// streams. The core never talks to a venue directly — every worker holds
// only this interface.
package adapter

import (
	"context"
	"time"

	"github.com/quantrail/sessionengine/internal/sessiondata"
	"github.com/quantrail/sessionengine/internal/timeutil"
)

// Availability reports which series an adapter can supply for a symbol.
type Availability struct {
	Has1s     bool
	Has1m     bool
	Has1d     bool
	HasQuotes bool
}

// LiveBar is one bar pushed on a live stream, tagged with its symbol and
// interval since a single stream multiplexes many symbols.
type LiveBar struct {
	Symbol   string
	Interval timeutil.Interval
	Bar      sessiondata.Bar
}

// LiveStream is the live-mode push channel returned by OpenLiveStream.
// Implementations close Bars and send a terminal error (or nil) on Err
// exactly once when the stream ends.
type LiveStream interface {
	Bars() <-chan LiveBar
	Err() <-chan error
	Close() error
}

// DataAdapter is the required external collaborator described in §6.1. The
// core assumes GetBars already filtered results to regular trading hours
// and never re-filters per bar.
type DataAdapter interface {
	// GetBars returns an inclusive [start, end] range, sorted by timestamp,
	// filtered to regular trading hours.
	GetBars(ctx context.Context, symbol string, interval timeutil.Interval, start, end time.Time) ([]sessiondata.Bar, error)

	// GetQuotes returns top-of-book snapshots over [start, end].
	GetQuotes(ctx context.Context, symbol string, start, end time.Time) ([]sessiondata.Quote, error)

	// GetTicks returns trade prints over [start, end], used only during
	// pre-session synthesis of 1s bars.
	GetTicks(ctx context.Context, symbol string, start, end time.Time) ([]sessiondata.Tick, error)

	// CheckAvailability reports which series the adapter can supply.
	CheckAvailability(ctx context.Context, symbol string) (Availability, error)

	// OpenLiveStream is live-mode only: it pushes base-interval bars for
	// symbols as they arrive.
	OpenLiveStream(ctx context.Context, symbols []string, baseInterval timeutil.Interval) (LiveStream, error)

	// Refetch is live-mode only: it asks the adapter to re-supply a missing
	// range after a detected gap.
	Refetch(ctx context.Context, symbol string, interval timeutil.Interval, missing sessiondata.TimeRange) ([]sessiondata.Bar, error)

	// Health reports the adapter's current connection/error state. Nothing
	// in the engine or its metrics export reads it.
	Health(ctx context.Context) Health
}

// Health mirrors the venue health snapshot the engine surfaces to
// operators; Recommendation is a short human-readable hint ("reconnect",
// "healthy", "degraded: high error rate").
type Health struct {
	Venue          string
	Status         string
	LastSeen       time.Time
	ErrorRate      float64
	P99Latency     time.Duration
	StreamConnected bool
	RESTHealthy    bool
	Recommendation string
}

// Attribution records where a symbol's data last came from, for export
// alongside session results.
type Attribution struct {
	Venue      string
	LastUpdate time.Time
	Sources    []string
}
