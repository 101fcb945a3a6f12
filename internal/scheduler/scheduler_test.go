package scheduler

import (
	"testing"
	"time"

	"github.com/quantrail/sessionengine/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCalendar struct{ open, close time.Time }

func (c fixedCalendar) GetMarketHours(exchangeGroup, assetClass string) (timeutil.MarketHours, error) {
	return timeutil.MarketHours{
		ExchangeGroup: exchangeGroup,
		AssetClass:    assetClass,
		Timezone:      "UTC",
		RegularOpen:   c.open.Sub(c.open.Truncate(24 * time.Hour)),
		RegularClose:  c.close.Sub(c.close.Truncate(24 * time.Hour)),
	}, nil
}

func (c fixedCalendar) GetHoliday(date time.Time, exchangeGroup string) (timeutil.TradingHoliday, bool, error) {
	return timeutil.TradingHoliday{}, false, nil
}

func (c fixedCalendar) GetHolidaysInRange(from, to time.Time, exchangeGroup string) ([]timeutil.TradingHoliday, error) {
	return nil, nil
}

func TestBuildWindowResolvesWeekdaysOnly(t *testing.T) {
	cal := fixedCalendar{
		open:  time.Date(2026, 7, 27, 9, 30, 0, 0, time.UTC),
		close: time.Date(2026, 7, 27, 16, 0, 0, 0, time.UTC),
	}
	tm, err := timeutil.New(timeutil.ModeBacktest, "US_EQUITY", "EQUITY", cal)
	require.NoError(t, err)

	// 2026-07-27 is a Monday; 2026-08-01 is the following Saturday.
	start := time.Date(2026, 7, 27, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	w, err := BuildWindow(tm, start, end)
	require.NoError(t, err)
	assert.Len(t, w.Days, 5)

	err = ValidateWeekdayWindow("0 0 * * 1-5", w.Days)
	assert.NoError(t, err)
}

func TestValidateWeekdayWindowRejectsMismatch(t *testing.T) {
	days := []time.Time{
		time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), // Saturday
	}
	err := ValidateWeekdayWindow("0 0 * * 1-5", days)
	assert.Error(t, err)
}

func TestValidateWeekdayWindowRejectsInvalidExpression(t *testing.T) {
	err := ValidateWeekdayWindow("not a cron expr", nil)
	assert.Error(t, err)
}
