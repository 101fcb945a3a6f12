// Package sessiondata implements the process-wide, concurrent SessionData
// store (§3, §4.2): the sole long-lived owner of bar/quote objects for the
// current trading day. Workers access bars by reference through its read
// lock; all mutation goes through the named write operations below.
package sessiondata

import (
	"time"

	"github.com/quantrail/sessionengine/internal/timeutil"
)

// Bar is one OHLCV record for (symbol, interval, timestamp). Timestamps are
// in the market timezone, aligned to the interval floor.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	TradeCount *int64
	VWAP       *float64
}

// Valid checks the bar invariants from §3: low <= open,close <= high,
// volume >= 0.
func (b Bar) Valid() bool {
	if b.Volume < 0 {
		return false
	}
	if b.Low > b.Open || b.Low > b.Close || b.High < b.Open || b.High < b.Close {
		return false
	}
	return true
}

// QuoteSource distinguishes a live quote from one synthesized from the
// latest bar in backtest mode.
type QuoteSource string

const (
	QuoteSourceAPI QuoteSource = "api"
	QuoteSourceBar QuoteSource = "bar"
)

// Quote is a top-of-book snapshot. In backtest mode, synthetic quotes have
// Bid == Ask == last close and zero sizes (§3).
type Quote struct {
	Symbol    string
	Timestamp time.Time
	Bid       float64
	Ask       float64
	BidSize   float64
	AskSize   float64
	Source    QuoteSource
}

// SyntheticQuoteFromBar builds the backtest-mode synthetic quote for a bar.
func SyntheticQuoteFromBar(b Bar) Quote {
	return Quote{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp,
		Bid:       b.Close,
		Ask:       b.Close,
		BidSize:   0,
		AskSize:   0,
		Source:    QuoteSourceBar,
	}
}

// Tick is a single trade print. Historical ticks are never streamed by the
// engine; they are only consumed to synthesize 1s bars before entry.
type Tick struct {
	Symbol    string
	Timestamp time.Time
	Price     float64
	Size      float64
}

// TimeRange is an inclusive [Start, End] range.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// GapInfo tracks missing bars for one (symbol, interval).
type GapInfo struct {
	Interval      timeutil.Interval
	MissingRanges []TimeRange
	MissingCount  int
	Retries       int
}

// BarIntervalData is the self-describing container for one (symbol,
// interval): it carries Derived/Base flags so consumers discover their
// inputs by iteration, not type introspection (§9).
type BarIntervalData struct {
	Derived bool
	Base    *timeutil.Interval // set when Derived is true
	Data    []Bar              // ordered ascending by Timestamp
	Quality float64            // 0..100
	Gaps    []GapInfo
	Updated bool
}

// Last returns the most recent bar, or false if empty.
func (d *BarIntervalData) Last() (Bar, bool) {
	if len(d.Data) == 0 {
		return Bar{}, false
	}
	return d.Data[len(d.Data)-1], true
}

// SymbolMetrics tracks running session totals for a symbol, maintained by
// the Session Coordinator as base bars arrive (§4.5 step 4).
type SymbolMetrics struct {
	Volume     float64
	High       float64
	Low        float64
	LastUpdate time.Time
}

// SymbolMetadata records provisioning provenance for a symbol (§3).
type SymbolMetadata struct {
	AddedBy                 string // "config" | "adhoc"
	MeetsConfigRequirements bool
	AutoProvisioned         bool
	UpgradedFromAdhoc       bool
}

// HistoricalData is the trailing-window state loaded before a session
// activates (§3, §4.5). Bars are grouped per calendar date so derived
// intervals can be recomputed or inspected per trading day; indicators
// hold the scalar/array results of historical indicator evaluation.
type HistoricalData struct {
	Bars       map[timeutil.Interval]map[string][]Bar // interval -> date (YYYY-MM-DD) -> bars
	Indicators map[string]interface{}                 // scalar float64 or []float64
}

// SymbolSessionData is the per-symbol state held inside SessionData.
type SymbolSessionData struct {
	Symbol       string
	BaseInterval timeutil.Interval
	Bars         map[timeutil.Interval]*BarIntervalData
	Quotes       []Quote
	Ticks        []Tick
	Metrics      SymbolMetrics
	Indicators   map[string]float64
	Historical   HistoricalData

	LatestBarCache    *Bar
	LastExportIndices map[timeutil.Interval]int
	Metadata          SymbolMetadata
}

func newSymbolSessionData(symbol string, baseInterval timeutil.Interval) *SymbolSessionData {
	return &SymbolSessionData{
		Symbol:       symbol,
		BaseInterval: baseInterval,
		Bars:         make(map[timeutil.Interval]*BarIntervalData),
		Indicators:   make(map[string]float64),
		Historical: HistoricalData{
			Bars:       make(map[timeutil.Interval]map[string][]Bar),
			Indicators: make(map[string]interface{}),
		},
		LastExportIndices: make(map[timeutil.Interval]int),
	}
}
