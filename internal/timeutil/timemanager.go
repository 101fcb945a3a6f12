package timeutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/quantrail/sessionengine/internal/sessionerr"
)

// Mode selects how TimeManager answers "what time is it" (§4.1).
type Mode int

const (
	ModeLive Mode = iota
	ModeBacktest
)

// TimeManager is the single source of truth for "now". It owns the
// backtest clock, the market-hours/holiday cache, and the derived system
// timezone. One instance is process-wide and long-lived (§9): it and its
// caches persist across session day boundaries.
type TimeManager struct {
	mu sync.RWMutex

	mode Mode

	exchangeGroup string
	assetClass    string
	systemTZ      *time.Location

	backtestTime *time.Time // nil until set_backtest_time/init_backtest

	calendar CalendarAdapter
	cache    *SessionCache
}

// New builds a TimeManager. calendar is the external collaborator backing
// market_hours/trading_holidays (§6.2); it is queried on every cache miss.
func New(mode Mode, exchangeGroup, assetClass string, calendar CalendarAdapter) (*TimeManager, error) {
	tm := &TimeManager{
		mode:          mode,
		exchangeGroup: ExchangeGroupFor(exchangeGroup),
		assetClass:    assetClass,
		calendar:      calendar,
		cache:         NewSessionCache(100),
	}
	if err := tm.deriveTimezone(); err != nil {
		return nil, err
	}
	return tm, nil
}

// deriveTimezone computes the system timezone from (exchange_group,
// asset_class) via the calendar adapter, falling back to a deterministic
// default (UTC) if the lookup fails. Must be recomputed whenever the
// overarching system mutates exchange_group/asset_class.
func (tm *TimeManager) deriveTimezone() error {
	hours, err := tm.calendar.GetMarketHours(tm.exchangeGroup, tm.assetClass)
	if err != nil {
		return sessionerr.NewConfigurationError("exchange_group/asset_class",
			fmt.Sprintf("no market hours for (%s, %s): %v", tm.exchangeGroup, tm.assetClass, err))
	}
	loc, err := time.LoadLocation(hours.Timezone)
	if err != nil {
		return sessionerr.NewConfigurationError("timezone", fmt.Sprintf("unknown timezone %q", hours.Timezone))
	}
	tm.mu.Lock()
	tm.systemTZ = loc
	tm.mu.Unlock()
	return nil
}

// SystemTimezone returns the derived system timezone.
func (tm *TimeManager) SystemTimezone() *time.Location {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.systemTZ
}

// GetCurrentTime returns "now" in the requested timezone (default: system
// timezone). Live mode reads the wall clock; backtest mode reads the
// mutable backtest clock, failing with ConfigurationError if uninitialized.
func (tm *TimeManager) GetCurrentTime(tz *time.Location) (time.Time, error) {
	tm.mu.RLock()
	mode := tm.mode
	bt := tm.backtestTime
	systemTZ := tm.systemTZ
	tm.mu.RUnlock()

	if tz == nil {
		tz = systemTZ
	}

	switch mode {
	case ModeLive:
		return time.Now().In(tz), nil
	case ModeBacktest:
		if bt == nil {
			return time.Time{}, sessionerr.NewConfigurationError("backtest_time", "backtest clock not initialized")
		}
		return bt.In(tz), nil
	default:
		return time.Time{}, sessionerr.NewConfigurationError("mode", "invalid operating mode")
	}
}

// Now is a convenience for GetCurrentTime(nil) that panics-never: callers in
// the hot path that already know the clock is initialized use this.
func (tm *TimeManager) Now() time.Time {
	t, err := tm.GetCurrentTime(nil)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SetBacktestTime sets the mutable backtest clock. No-op effect in live
// mode beyond being ignored by GetCurrentTime, which always prefers the wall
// clock there.
func (tm *TimeManager) SetBacktestTime(ts time.Time) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t := ts
	tm.backtestTime = &t
}

// BacktestWindow is the resolved (start, end) trading-day window computed
// by InitBacktest from the configured reference dates.
type BacktestWindow struct {
	StartDate time.Time
	EndDate   time.Time
}

// InitBacktest computes the backtest window from configured reference dates
// via GetFirstTradingDate on both ends (inclusive), and sets the clock to
// the regular open of the start day.
func (tm *TimeManager) InitBacktest(startRef, endRef time.Time) (BacktestWindow, error) {
	start, err := tm.GetFirstTradingDate(startRef)
	if err != nil {
		return BacktestWindow{}, err
	}
	end, err := tm.GetFirstTradingDate(endRef)
	if err != nil {
		return BacktestWindow{}, err
	}
	session, err := tm.GetTradingSession(start)
	if err != nil {
		return BacktestWindow{}, err
	}
	if !session.IsTradingDay {
		return BacktestWindow{}, sessionerr.NewConfigurationError("backtest_config.start_date", "resolved start date is not a trading day")
	}
	tm.SetBacktestTime(session.RegularOpen)
	return BacktestWindow{StartDate: start, EndDate: end}, nil
}

// AdvanceToMarketOpen moves the backtest clock to the regular (or extended,
// if includeExtended) open of date d.
func (tm *TimeManager) AdvanceToMarketOpen(d time.Time, includeExtended bool) error {
	session, err := tm.GetTradingSession(d)
	if err != nil {
		return err
	}
	if !session.IsTradingDay {
		return &sessionerr.CriticalError{Invariant: "trading-day", Detail: fmt.Sprintf("%s is not a trading day", d.Format("2006-01-02"))}
	}
	open := session.RegularOpen
	if includeExtended && session.PreMarketOpen != nil {
		open = *session.PreMarketOpen
	}
	tm.SetBacktestTime(open)
	return nil
}

// GetSessionBoundaryTimes resolves the (open, close) timestamps for the
// trading days spanning [startRef, endRef], one TradingSession each.
func (tm *TimeManager) GetSessionBoundaryTimes(startRef, endRef time.Time) (openAt, closeAt time.Time, err error) {
	startSession, err := tm.GetTradingSession(startRef)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	endSession, err := tm.GetTradingSession(endRef)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return startSession.RegularOpen, endSession.RegularClose, nil
}

// GetTradingSession resolves the TradingSession for date d via the two-tier
// cache, falling back to the CalendarAdapter on a miss.
func (tm *TimeManager) GetTradingSession(d time.Time) (*TradingSession, error) {
	tm.mu.RLock()
	group, class, tz := tm.exchangeGroup, tm.assetClass, tm.systemTZ
	tm.mu.RUnlock()

	day := d.Truncate(24 * time.Hour)
	if cached, ok := tm.cache.get(day, group, class); ok {
		return cached, nil
	}

	session, err := tm.buildTradingSession(day, group, class, tz)
	if err != nil {
		return nil, err
	}
	tm.cache.put(day, group, class, session)
	return session, nil
}

func (tm *TimeManager) buildTradingSession(day time.Time, group, class string, tz *time.Location) (*TradingSession, error) {
	hours, err := tm.calendar.GetMarketHours(group, class)
	if err != nil {
		return nil, sessionerr.NewConfigurationError("market_hours", err.Error())
	}

	holiday, isHoliday, err := tm.calendar.GetHoliday(day, group)
	if err != nil {
		return nil, &sessionerr.AdapterError{Op: "GetHoliday", Recoverable: true, Cause: err}
	}

	session := &TradingSession{
		Date:          day,
		ExchangeGroup: group,
		AssetClass:    class,
		Timezone:      tz,
	}

	// day is the UTC-anchored calendar date (truncated in GetTradingSession);
	// its weekday must be read directly, not after reinterpreting the same
	// instant in tz, which shifts the effective date for any zone west of
	// UTC and silently corrupts the Mon-Fri trading week.
	weekday := day.Weekday()
	isWeekend := weekday == time.Saturday || weekday == time.Sunday

	switch {
	case isHoliday && holiday.IsClosed:
		session.IsTradingDay = false
		session.IsHoliday = true
		session.HolidayName = holiday.HolidayName
		return session, nil
	case isWeekend:
		session.IsTradingDay = false
		return session, nil
	}

	session.IsTradingDay = true
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, tz)
	session.RegularOpen = dayStart.Add(hours.RegularOpen)
	session.RegularClose = dayStart.Add(hours.RegularClose)
	if hours.PreMarketOpen != nil {
		t := dayStart.Add(*hours.PreMarketOpen)
		session.PreMarketOpen = &t
	}
	if hours.PostMarketClose != nil {
		t := dayStart.Add(*hours.PostMarketClose)
		session.PostMarketClose = &t
	}

	if isHoliday && !holiday.IsClosed && holiday.EarlyClose != nil {
		session.IsEarlyClose = true
		session.RegularClose = dayStart.Add(*holiday.EarlyClose)
	}

	return session, nil
}

// IsTradingDay is a convenience wrapper over GetTradingSession.
func (tm *TimeManager) IsTradingDay(d time.Time) (bool, error) {
	s, err := tm.GetTradingSession(d)
	if err != nil {
		return false, err
	}
	return s.IsTradingDay, nil
}

// GetFirstTradingDate returns from_date if it is a trading day, else the
// next trading day. Inclusive.
func (tm *TimeManager) GetFirstTradingDate(from time.Time) (time.Time, error) {
	d := from.Truncate(24 * time.Hour)
	for i := 0; i < 3660; i++ { // bounded search: ~10 years of calendar days
		ok, err := tm.IsTradingDay(d)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			return d, nil
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Time{}, &sessionerr.CriticalError{Invariant: "calendar-bounded-search", Detail: "no trading day found within 10 years of " + from.Format("2006-01-02")}
}

// GetNextTradingDate returns the next trading day strictly after from_date.
// Exclusive.
func (tm *TimeManager) GetNextTradingDate(from time.Time) (time.Time, error) {
	return tm.GetFirstTradingDate(from.Truncate(24 * time.Hour).AddDate(0, 0, 1))
}

// GetPreviousTradingDate returns the trading day strictly before from_date.
func (tm *TimeManager) GetPreviousTradingDate(from time.Time) (time.Time, error) {
	d := from.Truncate(24 * time.Hour).AddDate(0, 0, -1)
	for i := 0; i < 3660; i++ {
		ok, err := tm.IsTradingDay(d)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			return d, nil
		}
		d = d.AddDate(0, 0, -1)
	}
	return time.Time{}, &sessionerr.CriticalError{Invariant: "calendar-bounded-search", Detail: "no trading day found within 10 years before " + from.Format("2006-01-02")}
}

// CountTradingDays counts trading days in the inclusive range [from, to].
func (tm *TimeManager) CountTradingDays(from, to time.Time) (int, error) {
	count := 0
	d := from.Truncate(24 * time.Hour)
	end := to.Truncate(24 * time.Hour)
	for !d.After(end) {
		ok, err := tm.IsTradingDay(d)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
		}
		d = d.AddDate(0, 0, 1)
	}
	return count, nil
}

// TrailingTradingDays returns the n most recent trading days ending at
// (and including, if it is itself a trading day) endDate, in ascending
// order. Used for historical-load trailing windows (§4.5).
func (tm *TimeManager) TrailingTradingDays(endDate time.Time, n int) ([]time.Time, error) {
	var days []time.Time
	d := endDate.Truncate(24 * time.Hour)
	for len(days) < n {
		ok, err := tm.IsTradingDay(d)
		if err != nil {
			return nil, err
		}
		if ok {
			days = append([]time.Time{d}, days...)
		}
		d = d.AddDate(0, 0, -1)
	}
	return days, nil
}

// IsHoliday reports whether d is a holiday for the exchange (auto-mapped to
// its group).
func (tm *TimeManager) IsHoliday(d time.Time, exchange string) (bool, string, error) {
	group := ExchangeGroupFor(exchange)
	_, isHoliday, err := tm.calendar.GetHoliday(d.Truncate(24*time.Hour), group)
	if err != nil {
		return false, "", &sessionerr.AdapterError{Op: "GetHoliday", Recoverable: true, Cause: err}
	}
	if !isHoliday {
		return false, "", nil
	}
	h, _, _ := tm.calendar.GetHoliday(d.Truncate(24*time.Hour), group)
	return true, h.HolidayName, nil
}

// IsEarlyClose reports whether d is an early-close day for the exchange.
func (tm *TimeManager) IsEarlyClose(d time.Time, exchange string) (bool, error) {
	s, err := tm.GetTradingSession(d)
	if err != nil {
		return false, err
	}
	return s.IsEarlyClose, nil
}

// GetHolidaysInRange lists holidays for exchangeGroup in [from, to].
func (tm *TimeManager) GetHolidaysInRange(from, to time.Time, exchange string) ([]TradingHoliday, error) {
	group := ExchangeGroupFor(exchange)
	holidays, err := tm.calendar.GetHolidaysInRange(from, to, group)
	if err != nil {
		return nil, &sessionerr.AdapterError{Op: "GetHolidaysInRange", Recoverable: true, Cause: err}
	}
	return holidays, nil
}

// TradingMinutesInRange sums the regular trading minutes of every trading
// day in the inclusive range [from, to], capping the final day's span at
// effectiveEnd when effectiveEnd falls inside that day (§4.8 "current
// session quality caps the end time at market close"). Holidays contribute
// zero minutes; early closes contribute their true (shorter) span, never
// a hardcoded 390.
func (tm *TimeManager) TradingMinutesInRange(from, to, effectiveEnd time.Time) (float64, error) {
	var total float64
	d := from.Truncate(24 * time.Hour)
	end := to.Truncate(24 * time.Hour)
	for !d.After(end) {
		session, err := tm.GetTradingSession(d)
		if err != nil {
			return 0, err
		}
		if !session.IsTradingDay {
			d = d.AddDate(0, 0, 1)
			continue
		}
		dayClose := session.RegularClose
		if !effectiveEnd.IsZero() && sameDate(effectiveEnd, d) && effectiveEnd.Before(dayClose) {
			dayClose = effectiveEnd
		}
		span := dayClose.Sub(session.RegularOpen).Minutes()
		if span > 0 {
			total += span
		}
		d = d.AddDate(0, 0, 1)
	}
	return total, nil
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// CacheStats exposes the TradingSession cache's hit/miss attribution.
func (tm *TimeManager) CacheStats() Stats {
	return tm.cache.Stats()
}

// WithCacheBacking attaches a shared CacheBacking behind the in-process LRU.
func (tm *TimeManager) WithCacheBacking(b CacheBacking) *TimeManager {
	tm.cache.WithBacking(b)
	return tm
}
