package engine

import (
	"context"
	"testing"
	"time"

	"github.com/quantrail/sessionengine/internal/adapter"
	"github.com/quantrail/sessionengine/internal/config"
	"github.com/quantrail/sessionengine/internal/sessiondata"
	"github.com/quantrail/sessionengine/internal/sessionmetrics"
	"github.com/quantrail/sessionengine/internal/timeutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCalendar struct {
	open, close time.Time
}

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

func TestTranslateSymbolsParsesStreamsAndHistorical(t *testing.T) {
	symbols := []config.SymbolConfig{
		{
			Symbol:  "AAPL",
			Streams: []string{"1m", "5m", "quotes"},
			Historical: config.HistoricalConfig{
				Data: []config.HistoricalDataSpec{{Interval: "1d", TrailingDays: 20}},
				Indicators: []config.HistoricalIndicatorSpec{
					{Name: "trailing_avg_20d", Kind: "trailing_average", Field: "close", Period: "20d", Granularity: "daily"},
				},
			},
			QuotesPolicy: "generate_from_bar",
		},
	}

	reqs, err := translateSymbols(symbols)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	req := reqs[0]
	assert.Equal(t, "AAPL", req.Symbol)
	assert.ElementsMatch(t, []timeutil.Interval{timeutil.Interval1m, timeutil.Interval5m}, req.Streams)
	require.Len(t, req.HistoricalConfigs, 1)
	assert.Equal(t, timeutil.Interval1d, req.HistoricalConfigs[0].Interval)
	assert.Equal(t, 20, req.HistoricalConfigs[0].TrailingDays)
	require.Len(t, req.Indicators, 1)
	assert.Equal(t, "trailing_avg_20d", req.Indicators[0].Name)
}

func TestTranslateSymbolsRejectsUnacceptedInterval(t *testing.T) {
	symbols := []config.SymbolConfig{{Symbol: "AAPL", Streams: []string{"3m"}}}
	_, err := translateSymbols(symbols)
	assert.Error(t, err)
}

func TestEngineRunsSingleDayBacktest(t *testing.T) {
	open := time.Date(2026, 7, 27, 9, 30, 0, 0, time.UTC)
	marketClose := time.Date(2026, 7, 27, 9, 35, 0, 0, time.UTC)
	cal := fixedCalendar{open: open, close: marketClose}

	da := adapter.NewFake()
	da.SeedAvailability("AAPL", adapter.Availability{Has1m: true})
	bars := make([]sessiondata.Bar, 0, 5)
	for i := 0; i < 5; i++ {
		ts := open.Add(time.Duration(i) * time.Minute)
		bars = append(bars, sessiondata.Bar{Timestamp: ts, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000})
	}
	da.SeedBars("AAPL", timeutil.Interval1m, bars)

	cfg := &config.SessionConfig{
		SessionName:   "test-session",
		ExchangeGroup: "US_EQUITY",
		AssetClass:    "EQUITY",
		Mode:          "backtest",
		BacktestConfig: config.BacktestConfig{
			StartDate:       "2026-07-27",
			EndDate:         "2026-07-27",
			SpeedMultiplier: 0,
		},
		SessionDataConfig: config.SessionDataConfig{
			Symbols: []config.SymbolConfig{
				{Symbol: "AAPL", Streams: []string{"1m"}},
			},
		},
	}

	eng := New(zerolog.Nop(), sessionmetrics.NewRegistry())
	err := eng.Start(context.Background(), cfg, cal, da)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, eng.State())
	assert.NotEmpty(t, eng.RunID())
}
