package sessiondata

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantrail/sessionengine/internal/timeutil"
)

// StreamKey identifies one active stream: a (symbol, stream_type) pair.
type StreamKey struct {
	Symbol     string
	StreamType string // an Interval string, or "quotes"
}

// arrivalEvent is a coarse, level-triggered wakeup signal — not a data
// channel. Any write that produced data calls Signal; consumers Wait and
// then clear it themselves once drained.
type arrivalEvent struct {
	mu sync.Mutex
	ch chan struct{}
}

func newArrivalEvent() *arrivalEvent {
	return &arrivalEvent{ch: make(chan struct{})}
}

func (e *arrivalEvent) Signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.ch:
		// already signaled; nothing to do
	default:
		close(e.ch)
	}
}

// Chan returns the current wait channel; it is closed once Signal fires.
func (e *arrivalEvent) Chan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Clear resets the event to the unsignaled state, replacing the channel so
// earlier waiters that already observed the close are unaffected.
func (e *arrivalEvent) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.ch:
		e.ch = make(chan struct{})
	default:
	}
}

// SessionData is the thread-safe, process-wide singleton store for bars,
// quotes, ticks, indicators, and quality across all symbols in the current
// session (§3, §4.2). The set of active symbols is derived from the
// symbols map's keys — no parallel list is maintained.
type SessionData struct {
	mu sync.RWMutex

	sessionActive      bool
	currentSessionDate time.Time

	symbols       map[string]*SymbolSessionData
	activeStreams map[StreamKey]struct{}

	arrival *arrivalEvent
}

// New builds an empty SessionData store.
func New() *SessionData {
	return &SessionData{
		symbols:       make(map[string]*SymbolSessionData),
		activeStreams: make(map[StreamKey]struct{}),
		arrival:       newArrivalEvent(),
	}
}

// ArrivalChan returns the channel consumers select on to learn that some
// write produced data. It is coarse: callers must still check what changed.
func (sd *SessionData) ArrivalChan() <-chan struct{} { return sd.arrival.Chan() }

// ClearArrival resets the coarse wakeup signal after a consumer has drained
// whatever it was waiting for.
func (sd *SessionData) ClearArrival() { sd.arrival.Clear() }

// SetSessionActive is an atomic write operation (§4.2).
func (sd *SessionData) SetSessionActive(active bool, date time.Time) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.sessionActive = active
	sd.currentSessionDate = date
}

// SessionActive reports whether the session is currently active.
func (sd *SessionData) SessionActive() bool {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return sd.sessionActive
}

// CurrentSessionDate returns the date of the active (or most recently
// active) session.
func (sd *SessionData) CurrentSessionDate() time.Time {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return sd.currentSessionDate
}

// RegisterSymbolData is the atomic provisioning write (§4.2). Registering a
// symbol already present upgrades it in place rather than erroring, so the
// resulting interval set is the same as a fresh registration of the same
// plan (§8 idempotence law) — bars, quality and gaps for intervals outside
// the new plan are dropped, and any interval already present is left
// untouched rather than reset to empty, so a re-register never discards
// data the new plan still wants. Indicators are not touched. Registration
// produces no data and does not signal the arrival event.
func (sd *SessionData) RegisterSymbolData(symbol string, baseInterval timeutil.Interval, intervals []timeutil.Interval) *SymbolSessionData {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	existing, upgraded := sd.symbols[symbol]
	var s *SymbolSessionData
	if upgraded {
		s = existing
		s.BaseInterval = baseInterval
		s.Metadata.UpgradedFromAdhoc = s.Metadata.AddedBy == "adhoc"
	} else {
		s = newSymbolSessionData(symbol, baseInterval)
		sd.symbols[symbol] = s
	}

	wanted := make(map[timeutil.Interval]bool, len(intervals))
	for _, iv := range intervals {
		wanted[iv] = true
		if _, ok := s.Bars[iv]; !ok {
			s.Bars[iv] = &BarIntervalData{Derived: iv != baseInterval}
			if iv != baseInterval {
				base := baseInterval
				s.Bars[iv].Base = &base
			}
		}
	}
	for iv := range s.Bars {
		if !wanted[iv] {
			delete(s.Bars, iv)
		}
	}

	return s
}

// RemoveSymbol atomically removes every structure keyed by symbol: bars,
// quality, gaps, indicators, active_streams, latest_cache (§8 invariant 5).
func (sd *SessionData) RemoveSymbol(symbol string) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	delete(sd.symbols, symbol)
	for key := range sd.activeStreams {
		if key.Symbol == symbol {
			delete(sd.activeStreams, key)
		}
	}
}

// Symbols returns the set of active symbols, derived from the map's keys.
func (sd *SessionData) Symbols() []string {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	out := make([]string, 0, len(sd.symbols))
	for s := range sd.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// AppendBar is the atomic base-interval write, owned by the Session
// Coordinator. It transfers ownership of b into the store, maintains
// strictly-increasing timestamp order, and updates latest_bar_cache and
// session metrics under the same lock (§8 invariants 1, 2).
func (sd *SessionData) AppendBar(symbol string, interval timeutil.Interval, b Bar) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("append_bar: symbol %s not registered", symbol)
	}
	data, ok := s.Bars[interval]
	if !ok {
		return fmt.Errorf("append_bar: interval %s not provisioned for %s", interval, symbol)
	}
	if n := len(data.Data); n > 0 && !b.Timestamp.After(data.Data[n-1].Timestamp) {
		return fmt.Errorf("append_bar: timestamp %s not strictly increasing after %s", b.Timestamp, data.Data[n-1].Timestamp)
	}
	data.Data = append(data.Data, b)
	data.Updated = true

	if interval == s.BaseInterval {
		cached := b
		s.LatestBarCache = &cached
		s.Metrics.Volume += b.Volume
		if b.High > s.Metrics.High || s.Metrics.High == 0 {
			s.Metrics.High = b.High
		}
		if b.Low < s.Metrics.Low || s.Metrics.Low == 0 {
			s.Metrics.Low = b.Low
		}
		s.Metrics.LastUpdate = b.Timestamp
	}

	sd.arrival.Signal()
	return nil
}

// AddDerivedBar is the atomic derived-interval write, owned by the Data
// Processor. The caller is responsible for only calling this once the
// bucket has reached 100% completeness (§4.6, §8 invariant 3).
func (sd *SessionData) AddDerivedBar(symbol string, interval timeutil.Interval, b Bar) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("add_derived_bar: symbol %s not registered", symbol)
	}
	data, ok := s.Bars[interval]
	if !ok {
		return fmt.Errorf("add_derived_bar: interval %s not provisioned for %s", interval, symbol)
	}
	if n := len(data.Data); n > 0 && !b.Timestamp.After(data.Data[n-1].Timestamp) {
		return fmt.Errorf("add_derived_bar: timestamp %s not strictly increasing after %s", b.Timestamp, data.Data[n-1].Timestamp)
	}
	data.Data = append(data.Data, b)
	data.Updated = true

	sd.arrival.Signal()
	return nil
}

// SetIndicator is the atomic indicator write, owned by the Data Processor
// for real-time indicators (historical indicators are written directly
// during provisioning).
func (sd *SessionData) SetIndicator(symbol, name string, value float64) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("set_indicator: symbol %s not registered", symbol)
	}
	s.Indicators[name] = value
	sd.arrival.Signal()
	return nil
}

// SetHistoricalIndicator writes a scalar or array historical indicator
// value computed during Phase 2 provisioning.
func (sd *SessionData) SetHistoricalIndicator(symbol, name string, value interface{}) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("set_historical_indicator: symbol %s not registered", symbol)
	}
	s.Historical.Indicators[name] = value
	return nil
}

// SetQuality is the atomic quality write, owned by the Data Quality
// Manager.
func (sd *SessionData) SetQuality(symbol string, interval timeutil.Interval, quality float64) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("set_quality: symbol %s not registered", symbol)
	}
	data, ok := s.Bars[interval]
	if !ok {
		return fmt.Errorf("set_quality: interval %s not provisioned for %s", interval, symbol)
	}
	data.Quality = quality
	return nil
}

// PropagateQualityToDerived copies the base interval's quality to every
// derived interval for symbol (§4.6 step 4, §4.7 step 3, §3 invariant 4).
func (sd *SessionData) PropagateQualityToDerived(symbol string) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("propagate_quality: symbol %s not registered", symbol)
	}
	base, ok := s.Bars[s.BaseInterval]
	if !ok {
		return nil
	}
	for iv, data := range s.Bars {
		if iv == s.BaseInterval {
			continue
		}
		data.Quality = base.Quality
	}
	return nil
}

// AppendQuote stores a quote for the symbol (live API quote or backtest
// synthetic quote from the latest bar).
func (sd *SessionData) AppendQuote(symbol string, q Quote) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("append_quote: symbol %s not registered", symbol)
	}
	s.Quotes = append(s.Quotes, q)
	sd.arrival.Signal()
	return nil
}

// AddGap appends/updates the gap bookkeeping for (symbol, interval). It is
// owned exclusively by the Data Quality Manager.
func (sd *SessionData) AddGap(symbol string, interval timeutil.Interval, gap GapInfo) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("add_gap: symbol %s not registered", symbol)
	}
	data, ok := s.Bars[interval]
	if !ok {
		return fmt.Errorf("add_gap: interval %s not provisioned for %s", interval, symbol)
	}
	data.Gaps = append(data.Gaps, gap)
	return nil
}

// MarkStream records an active (symbol, stream_type) pair.
func (sd *SessionData) MarkStream(key StreamKey) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.activeStreams[key] = struct{}{}
}

// ClearSessionBars clears per-session bars/indicators/quality/gaps for
// every symbol, leaving the configured symbol list and historical data
// intact (§3 "Per-session lifecycle").
func (sd *SessionData) ClearSessionBars() {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	for _, s := range sd.symbols {
		for iv := range s.Bars {
			s.Bars[iv] = &BarIntervalData{Derived: s.Bars[iv].Derived, Base: s.Bars[iv].Base}
		}
		s.Quotes = nil
		s.Ticks = nil
		s.Indicators = make(map[string]float64)
		s.LatestBarCache = nil
		s.Metrics = SymbolMetrics{}
		s.LastExportIndices = make(map[timeutil.Interval]int)
	}
	sd.activeStreams = make(map[StreamKey]struct{})
}

// ClearHistoricalBars clears the trailing-window historical state for every
// symbol, ahead of the next day's historical load (§4.5 Phase 1).
func (sd *SessionData) ClearHistoricalBars() {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	for _, s := range sd.symbols {
		s.Historical = HistoricalData{
			Bars:       make(map[timeutil.Interval]map[string][]Bar),
			Indicators: make(map[string]interface{}),
		}
	}
}

// ClearAll resets the store to empty, dropping even the configured symbol
// list. Used only for full teardown (e.g. tests), not the per-day Phase 1
// teardown.
func (sd *SessionData) ClearAll() {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.symbols = make(map[string]*SymbolSessionData)
	sd.activeStreams = make(map[StreamKey]struct{})
	sd.sessionActive = false
}

// --- Convenience reads (§4.2) ---

// GetLatestBar is an O(1) cached read.
func (sd *SessionData) GetLatestBar(symbol string) (Bar, bool) {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok || s.LatestBarCache == nil {
		return Bar{}, false
	}
	return *s.LatestBarCache, true
}

// GetLatestBarsMulti reads the latest bar for many symbols under a single
// lock acquisition — preferred for N > 3 symbols (§4.2).
func (sd *SessionData) GetLatestBarsMulti(symbols []string) map[string]Bar {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	out := make(map[string]Bar, len(symbols))
	for _, sym := range symbols {
		if s, ok := sd.symbols[sym]; ok && s.LatestBarCache != nil {
			out[sym] = *s.LatestBarCache
		}
	}
	return out
}

// GetLastNBars returns (a copy of the reference slice to) the last n bars
// for (symbol, interval), O(n).
func (sd *SessionData) GetLastNBars(symbol string, interval timeutil.Interval, n int) []Bar {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return nil
	}
	data, ok := s.Bars[interval]
	if !ok || len(data.Data) == 0 {
		return nil
	}
	start := len(data.Data) - n
	if start < 0 {
		start = 0
	}
	return data.Data[start:]
}

// GetBarsSince returns every bar for (symbol, interval) with Timestamp
// strictly after ts, O(k) in the result size via binary search on the
// strictly-increasing sequence.
func (sd *SessionData) GetBarsSince(symbol string, interval timeutil.Interval, ts time.Time) []Bar {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return nil
	}
	data, ok := s.Bars[interval]
	if !ok {
		return nil
	}
	idx := sort.Search(len(data.Data), func(i int) bool { return data.Data[i].Timestamp.After(ts) })
	return data.Data[idx:]
}

// GetBarCount returns len(data) for (symbol, interval).
func (sd *SessionData) GetBarCount(symbol string, interval timeutil.Interval) int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return 0
	}
	data, ok := s.Bars[interval]
	if !ok {
		return 0
	}
	return len(data.Data)
}

// GetHistoricalIndicator reads a previously computed historical indicator
// value (scalar float64 or []float64 for minute granularity).
func (sd *SessionData) GetHistoricalIndicator(symbol, name string) (interface{}, bool) {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return nil, false
	}
	v, ok := s.Historical.Indicators[name]
	return v, ok
}

// GetIndicator reads a real-time session indicator value.
func (sd *SessionData) GetIndicator(symbol, name string) (float64, bool) {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return 0, false
	}
	v, ok := s.Indicators[name]
	return v, ok
}

// GetQuality reads the current quality score for (symbol, interval).
func (sd *SessionData) GetQuality(symbol string, interval timeutil.Interval) (float64, bool) {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return 0, false
	}
	data, ok := s.Bars[interval]
	if !ok {
		return 0, false
	}
	return data.Quality, true
}

// GetGaps reads the current gap list for (symbol, interval).
func (sd *SessionData) GetGaps(symbol string, interval timeutil.Interval) []GapInfo {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return nil
	}
	data, ok := s.Bars[interval]
	if !ok {
		return nil
	}
	return data.Gaps
}

// GetSymbolPlanIntervals returns the set of intervals currently provisioned
// for symbol (base + derived), in no particular order; the engine's
// end-of-session metrics export uses it to walk every interval (§9).
func (sd *SessionData) GetSymbolPlanIntervals(symbol string) []timeutil.Interval {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return nil
	}
	out := make([]timeutil.Interval, 0, len(s.Bars))
	for iv := range s.Bars {
		out = append(out, iv)
	}
	return out
}

// BaseInterval returns the symbol's configured base interval.
func (sd *SessionData) BaseInterval(symbol string) (timeutil.Interval, bool) {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return "", false
	}
	return s.BaseInterval, true
}

// SetHistoricalBars loads the trailing-window bars for (symbol, interval,
// date) during Phase 2 provisioning.
func (sd *SessionData) SetHistoricalBars(symbol string, interval timeutil.Interval, date string, bars []Bar) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("set_historical_bars: symbol %s not registered", symbol)
	}
	if s.Historical.Bars[interval] == nil {
		s.Historical.Bars[interval] = make(map[string][]Bar)
	}
	s.Historical.Bars[interval][date] = bars
	return nil
}

// GetHistoricalBars reads the trailing-window bars for (symbol, interval)
// across all loaded dates, keyed by date ("2006-01-02"). The map has no
// order; callers that need dates in sequence sort the keys.
func (sd *SessionData) GetHistoricalBars(symbol string, interval timeutil.Interval) map[string][]Bar {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return nil
	}
	return s.Historical.Bars[interval]
}
