package quality

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantrail/sessionengine/internal/adapter"
	"github.com/quantrail/sessionengine/internal/sessiondata"
	"github.com/quantrail/sessionengine/internal/timeutil"
	"github.com/rs/zerolog"
)

// Config carries the gap_filler and historical/session quality toggles
// from §6.3's session_data_config.
type Config struct {
	MaxRetries              int
	RetryInterval           time.Duration
	EnableSessionQuality    bool
	EnableHistoricalQuality bool
}

// DefaultConfig matches §6.3's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:              5,
		RetryInterval:           60 * time.Second,
		EnableSessionQuality:    true,
		EnableHistoricalQuality: true,
	}
}

type counterKey struct {
	Symbol   string
	Interval timeutil.Interval
}

type counter struct {
	sessionOpen time.Time
	seenSlots   map[int]bool
	maxSlot     int
	duplicate   bool
	retries     int
}

// ReinjectFunc hands recovered bars back to the Coordinator's normal
// pipeline after a successful live-mode gap refetch (§4.7).
type ReinjectFunc func(symbol string, interval timeutil.Interval, bars []sessiondata.Bar)

// Manager is the Data Quality Manager: a background, non-gating worker
// that scores completeness and, in live mode, drives gap refetch (§4.7).
type Manager struct {
	sd      *sessiondata.SessionData
	tm      *timeutil.TimeManager
	adapter adapter.DataAdapter
	cfg     Config
	mode    timeutil.Mode
	log     zerolog.Logger
	reinject ReinjectFunc

	mu       sync.Mutex
	counters map[counterKey]*counter
}

// New builds a Data Quality Manager. adapter may be nil in backtest mode,
// since gap filling is disabled in backtest (§4.7).
func New(sd *sessiondata.SessionData, tm *timeutil.TimeManager, da adapter.DataAdapter, cfg Config, mode timeutil.Mode, log zerolog.Logger) *Manager {
	return &Manager{
		sd:       sd,
		tm:       tm,
		adapter:  da,
		cfg:      cfg,
		mode:     mode,
		log:      log.With().Str("component", "dqm").Logger(),
		counters: make(map[counterKey]*counter),
	}
}

// SetReinject wires the callback used to hand recovered bars back to the
// Coordinator's pipeline.
func (m *Manager) SetReinject(f ReinjectFunc) { m.reinject = f }

// Reset clears all gap/observation counters, called by the Coordinator at
// Phase 1 teardown before a new trading day begins.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = make(map[counterKey]*counter)
}

// OnBaseBar updates quality counters and gap bookkeeping for one newly
// appended base bar, then writes the recomputed quality to SessionData and
// propagates it to every derived interval for the symbol (§4.7 steps 1-3).
func (m *Manager) OnBaseBar(symbol string, interval timeutil.Interval, b sessiondata.Bar, sessionDate time.Time) error {
	if !m.cfg.EnableSessionQuality {
		if err := m.sd.SetQuality(symbol, interval, 100); err != nil {
			return err
		}
		return m.sd.PropagateQualityToDerived(symbol)
	}

	session, err := m.tm.GetTradingSession(sessionDate)
	if err != nil {
		return err
	}

	c := m.counterFor(symbol, interval, session.RegularOpen)
	m.mu.Lock()
	slot := int(b.Timestamp.Sub(c.sessionOpen) / interval.Span())
	if c.seenSlots[slot] {
		c.duplicate = true
	}
	c.seenSlots[slot] = true
	if slot > c.maxSlot {
		c.maxSlot = slot
	}
	observed := len(c.seenSlots)
	hasDup := c.duplicate
	gap := gapFromSlots(interval, c.sessionOpen, c.seenSlots, c.maxSlot)
	m.mu.Unlock()

	now := m.tm.Now()
	effectiveEnd := now
	if now.After(session.RegularClose) {
		effectiveEnd = session.RegularClose
	}
	if now.Before(session.RegularOpen) {
		if err := m.sd.SetQuality(symbol, interval, 100); err != nil {
			return err
		}
		return m.sd.PropagateQualityToDerived(symbol)
	}

	score, err := Compute(m.tm, sessionDate, sessionDate, effectiveEnd, interval, observed, hasDup)
	if err != nil {
		return err
	}
	if err := m.sd.SetQuality(symbol, interval, score.Percent); err != nil {
		return err
	}
	if gap.MissingCount > 0 {
		if err := m.sd.AddGap(symbol, interval, gap); err != nil {
			return err
		}
	}
	return m.sd.PropagateQualityToDerived(symbol)
}

func (m *Manager) counterFor(symbol string, interval timeutil.Interval, sessionOpen time.Time) *counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := counterKey{symbol, interval}
	c, ok := m.counters[k]
	if !ok {
		c = &counter{sessionOpen: sessionOpen, seenSlots: make(map[int]bool)}
		m.counters[k] = c
	}
	return c
}

// gapFromSlots derives the missing-range GapInfo for every expected slot up
// to maxSlot that was never observed.
func gapFromSlots(interval timeutil.Interval, sessionOpen time.Time, seen map[int]bool, maxSlot int) sessiondata.GapInfo {
	var missing []int
	for i := 0; i < maxSlot; i++ {
		if !seen[i] {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return sessiondata.GapInfo{Interval: interval}
	}

	sort.Ints(missing)
	var ranges []sessiondata.TimeRange
	start := missing[0]
	prev := missing[0]
	for _, slot := range missing[1:] {
		if slot == prev+1 {
			prev = slot
			continue
		}
		ranges = append(ranges, slotRange(interval, sessionOpen, start, prev))
		start, prev = slot, slot
	}
	ranges = append(ranges, slotRange(interval, sessionOpen, start, prev))

	return sessiondata.GapInfo{Interval: interval, MissingRanges: ranges, MissingCount: len(missing)}
}

func slotRange(interval timeutil.Interval, sessionOpen time.Time, startSlot, endSlot int) sessiondata.TimeRange {
	d := interval.Span()
	return sessiondata.TimeRange{
		Start: sessionOpen.Add(time.Duration(startSlot) * d),
		End:   sessionOpen.Add(time.Duration(endSlot) * d),
	}
}

// Run drives the live-mode-only retry timer (§4.7). It returns when ctx is
// canceled. In backtest mode it returns immediately, since gap filling is
// disabled in backtest.
func (m *Manager) Run(ctx context.Context) error {
	if m.mode != timeutil.ModeLive {
		return nil
	}
	ticker := time.NewTicker(m.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.retryGaps(ctx)
		}
	}
}

func (m *Manager) retryGaps(ctx context.Context) {
	if m.adapter == nil {
		return
	}
	type job struct {
		symbol   string
		interval timeutil.Interval
		missing  sessiondata.TimeRange
	}
	var jobs []job

	m.mu.Lock()
	for key, c := range m.counters {
		if c.retries >= m.cfg.MaxRetries {
			continue
		}
		gap := gapFromSlots(key.Interval, c.sessionOpen, c.seenSlots, c.maxSlot)
		for _, r := range gap.MissingRanges {
			jobs = append(jobs, job{symbol: key.Symbol, interval: key.Interval, missing: r})
		}
	}
	m.mu.Unlock()

	for _, j := range jobs {
		bars, err := m.adapter.Refetch(ctx, j.symbol, j.interval, j.missing)
		m.mu.Lock()
		c := m.counters[counterKey{j.symbol, j.interval}]
		if err != nil {
			if c != nil {
				c.retries++
			}
			m.log.Warn().Err(err).Str("symbol", j.symbol).Msg("gap refetch failed")
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		if len(bars) > 0 && m.reinject != nil {
			m.reinject(j.symbol, j.interval, bars)
		}
	}
}
