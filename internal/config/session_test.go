package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
session_name: equities-demo
exchange_group: US_EQUITY
asset_class: EQUITY
mode: backtest
backtest_config:
  start_date: "2026-07-01"
  end_date: "2026-07-30"
  speed_multiplier: 0
  prefetch_days: 5
session_data_config:
  symbols:
    - symbol: AAPL
      streams: ["1m", "5m"]
      historical:
        enable_quality: true
        data:
          - interval: "1d"
            trailing_days: 20
        indicators:
          - name: trailing_avg_20d
            kind: trailing_average
            field: close
            period: 20d
            granularity: daily
      quotes_policy: generate_from_bar
  gap_filler:
    max_retries: 5
    retry_interval_seconds: 60
    enable_session_quality: true
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadParsesSessionConfig(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "US_EQUITY", cfg.ExchangeGroup)
	assert.Equal(t, "backtest", cfg.Mode)
	require.Len(t, cfg.SessionDataConfig.Symbols, 1)
	assert.Equal(t, "AAPL", cfg.SessionDataConfig.Symbols[0].Symbol)
	assert.Equal(t, 5, cfg.SessionDataConfig.GapFiller.MaxRetries)
}

func TestValidateRejectsMissingSymbols(t *testing.T) {
	cfg := &SessionConfig{Mode: "backtest", ExchangeGroup: "US_EQUITY", AssetClass: "EQUITY",
		BacktestConfig: BacktestConfig{StartDate: "2026-07-01", EndDate: "2026-07-02"}}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := &SessionConfig{Mode: "turbo", ExchangeGroup: "US_EQUITY", AssetClass: "EQUITY"}
	err := cfg.Validate()
	require.Error(t, err)
}
