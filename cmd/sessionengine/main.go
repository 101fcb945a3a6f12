package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantrail/sessionengine/internal/adapter"
	"github.com/quantrail/sessionengine/internal/config"
	"github.com/quantrail/sessionengine/internal/engine"
	sessionlog "github.com/quantrail/sessionengine/internal/log"
	"github.com/quantrail/sessionengine/internal/sessionmetrics"
)

const (
	appName = "sessionengine"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Session engine — the per-day trading session core",
		Version: version,
		Long: `sessionengine drives the per-day trading session lifecycle: Session
Coordinator, Data Processor, Data Quality Manager, and Analysis Engine,
over either a historical backtest window or a live market session.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a session",
	}

	backtestCmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run a backtest session over a configured reference date window",
		RunE:  runBacktest,
	}
	backtestCmd.Flags().String("config", "session.yaml", "Path to the session configuration file")
	backtestCmd.Flags().String("calendar", "calendar.yaml", "Path to the trading-calendar file")
	backtestCmd.Flags().Int("metrics-port", 9090, "Port to serve Prometheus metrics on (0 disables)")

	liveCmd := &cobra.Command{
		Use:   "live",
		Short: "Run a live session against a streaming data adapter",
		RunE:  runLive,
	}
	liveCmd.Flags().String("config", "session.yaml", "Path to the session configuration file")
	liveCmd.Flags().String("calendar", "calendar.yaml", "Path to the trading-calendar file")
	liveCmd.Flags().Int("metrics-port", 9090, "Port to serve Prometheus metrics on (0 disables)")

	runCmd.AddCommand(backtestCmd, liveCmd)
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("sessionengine exited with error")
		os.Exit(1)
	}
}

func runBacktest(cmd *cobra.Command, args []string) error {
	return runSession(cmd, true)
}

func runLive(cmd *cobra.Command, args []string) error {
	return runSession(cmd, false)
}

// runSession loads config+calendar, starts the metrics HTTP server, wires
// an Engine, and runs it until its window is exhausted or the process
// receives an interrupt signal. showProgress drives a terminal progress bar
// over the backtest's trading-day window; live sessions have no fixed
// window to report against, so it's always false there.
func runSession(cmd *cobra.Command, showProgress bool) error {
	configPath, _ := cmd.Flags().GetString("config")
	calendarPath, _ := cmd.Flags().GetString("calendar")
	metricsPort, _ := cmd.Flags().GetInt("metrics-port")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load session config: %w", err)
	}

	cal, err := config.LoadCalendar(calendarPath)
	if err != nil {
		return fmt.Errorf("failed to load calendar: %w", err)
	}

	metrics := sessionmetrics.NewRegistry()
	if metricsPort > 0 {
		go serveMetrics(metricsPort)
	}

	da := adapter.NewResilient(adapter.NewFake(), adapter.DefaultResilientConfig())

	eng := engine.New(log.Logger, metrics)

	if showProgress {
		var progress *sessionlog.ProgressIndicator
		eng.SetProgressReporter(func(completed, total int) {
			if progress == nil {
				progress = sessionlog.NewProgressIndicator("backtest", total, sessionlog.DefaultProgressConfig())
			}
			if completed >= total {
				progress.FinishWithMessage("backtest window complete")
				return
			}
			progress.Update(completed)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("received shutdown signal, stopping session")
		eng.Stop()
		cancel()
	}()

	log.Info().Str("session", cfg.SessionName).Str("mode", cfg.Mode).Msg("starting session")
	if err := eng.Start(ctx, cfg, cal, da); err != nil {
		return fmt.Errorf("session run failed: %w", err)
	}

	log.Info().Str("session", cfg.SessionName).Msg("session completed")
	return nil
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", sessionmetrics.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("metrics server stopped")
	}
}
