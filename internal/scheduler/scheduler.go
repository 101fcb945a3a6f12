// Package scheduler builds and tracks the sequence of trading days a
// Session Coordinator iterates over for one backtest window (§4.5's
// "Loop over trading days D in window"). It owns no clock itself — every
// day boundary it reports is resolved through a timeutil.TimeManager — so
// day lists never drift out of sync with TimeManager's own calendar.
package scheduler

import (
	"fmt"
	"time"

	"github.com/quantrail/sessionengine/internal/timeutil"
	"github.com/robfig/cron/v3"
)

// Window is the resolved sequence of trading days for one backtest run,
// plus cursor/progress bookkeeping the Coordinator reports at session end.
type Window struct {
	Days        []time.Time
	cursor      int
	startedAt   time.Time
	dayStarted  time.Time
}

// BuildWindow resolves [startRef, endRef] (reference dates, per §6.3) into
// the concrete list of trading days a Coordinator will loop over. Reference
// dates map to actual trading days via TimeManager.GetFirstTradingDate on
// both ends, exactly as §4.1 specifies for init_backtest.
func BuildWindow(tm *timeutil.TimeManager, startRef, endRef time.Time) (*Window, error) {
	start, err := tm.GetFirstTradingDate(startRef)
	if err != nil {
		return nil, err
	}
	end, err := tm.GetFirstTradingDate(endRef)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("resolved end date %s precedes start date %s", end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	var days []time.Time
	d := start
	for !d.After(end) {
		ok, err := tm.IsTradingDay(d)
		if err != nil {
			return nil, err
		}
		if ok {
			days = append(days, d)
		}
		d = d.AddDate(0, 0, 1)
	}

	return &Window{Days: days, startedAt: time.Now()}, nil
}

// Done reports whether every day in the window has been consumed.
func (w *Window) Done() bool { return w.cursor >= len(w.Days) }

// Next returns the next trading day and advances the cursor. The Session
// Coordinator calls this once per Phase 1 (Teardown).
func (w *Window) Next() (time.Time, bool) {
	if w.Done() {
		return time.Time{}, false
	}
	d := w.Days[w.cursor]
	w.cursor++
	w.dayStarted = time.Now()
	return d, true
}

// Status reports window progress for the §6.4 end-of-session metrics
// export.
type Status struct {
	TotalDays     int
	CompletedDays int
	CurrentDay    *time.Time
	Elapsed       time.Duration
}

func (w *Window) Status() Status {
	s := Status{TotalDays: len(w.Days), CompletedDays: w.cursor, Elapsed: time.Since(w.startedAt)}
	if w.cursor > 0 && w.cursor <= len(w.Days) {
		d := w.Days[w.cursor-1]
		s.CurrentDay = &d
	}
	return s
}

// ValidateWeekdayWindow is a coarse sanity check run against a configured
// trading-day-of-week expression (a standard 5-field cron schedule, e.g.
// "0 0 * * 1-5" for Mon-Fri) before a backtest window is trusted: every
// resolved trading day must fall on a day the expression would fire,
// otherwise the calendar and the expected market week have drifted apart.
// TimeManager's holiday calendar remains the source of truth for which
// days are trading days; this only flags impossible combinations (e.g. a
// weekday-only expression paired with a calendar that resolved a Saturday
// as a trading day).
func ValidateWeekdayWindow(cronExpr string, days []time.Time) error {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid weekday window expression %q: %w", cronExpr, err)
	}
	for _, d := range days {
		dayStart := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
		if next := schedule.Next(dayStart.Add(-time.Minute)); !next.Equal(dayStart) {
			return fmt.Errorf("trading day %s does not fall on the configured weekday window %q", d.Format("2006-01-02"), cronExpr)
		}
	}
	return nil
}
