// OHLCV ingestion CLI.
//
// Usage:
//
//	ohlcv run
//	ohlcv live BTCUSDT
//	ohlcv historical BTCUSDT --start 2024-01-01 --end 2024-02-01
//	ohlcv gaps --symbol BTCUSDT --days 7
//	ohlcv backfill --strategy size_asc
//	ohlcv status
//
// Every command reads its configuration from --config (YAML or JSON),
// optional .env files and OHLCV_* environment variables.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/johnayoung/go-ohlcv-ingest/internal/collector"
	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

const (
	Version = "1.0.0"
	AppName = "ohlcv"
)

// Exit codes
const (
	ExitSuccess     = 0
	ExitError       = 1
	ExitConfigError = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newApp(os.Stdout).RunContext(ctx, os.Args)
	stop()
	if err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", AppName, msg)
		}
		os.Exit(exitCode(err))
	}
	os.Exit(ExitSuccess)
}

func exitCode(err error) int {
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return ExitError
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    AppName,
		Usage:   "ingest, validate and backfill OHLCV market data",
		Version: Version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:      "config",
				Aliases:   []string{"c"},
				Usage:     "configuration file (YAML or JSON)",
				EnvVars:   []string{config.EnvPrefix + "CONFIG"},
				TakesFile: true,
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files loaded before environment overrides",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level (debug, info, warn, error)",
			},
		},
		// Exit codes are mapped in main.
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			runCommand,
			liveCommand,
			historicalCommand,
			gapsCommand,
			gapReportCommand,
			backfillCommand,
			scheduleCommand,
			performanceCommand,
			resetBreakersCommand,
			statusCommand,
		},
	}
}

// session holds what a command runs against.
type session struct {
	config   *config.AppConfig
	logs     *logger.LoggerManager
	logger   *slog.Logger
	store    storage.Storage
	ingestor *collector.Ingestor
	out      io.Writer
}

// openSession loads configuration, sets up logging and opens the ingestor.
// Configuration failures exit with ExitConfigError.
func openSession(c *cli.Context) (*session, error) {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.NewConfigManager(c.String("config"), bootstrap, c.StringSlice("env-file")...).LoadConfig(c.Context)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("configuration error: %v", err), ExitConfigError)
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("logging setup failed: %v", err), ExitConfigError)
	}
	log := logs.GetLogger()
	log.Debug("configuration loaded", "config", cfg.String())

	in, store, err := collector.NewFromConfig(c.Context, cfg, log)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("failed to initialize ingestor: %w", err)
	}

	return &session{
		config:   cfg,
		logs:     logs,
		logger:   log,
		store:    store,
		ingestor: in,
		out:      c.App.Writer,
	}, nil
}

func (s *session) close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close storage", "error", err)
	}
	s.logs.Close()
}

// started runs fn with the task processor running and stops it afterwards.
func (s *session) started(ctx context.Context, fn func() error) error {
	if err := s.ingestor.Start(ctx); err != nil {
		return err
	}
	defer func() {
		timeout := config.Duration(s.config.Processor.StopTimeout, 30*time.Second)
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := s.ingestor.Stop(stopCtx); err != nil {
			s.logger.Warn("ingestor stop incomplete", "error", err)
		}
	}()
	return fn()
}

func (s *session) printJSON(v any) error {
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withSession wraps a command action with session setup and teardown.
func withSession(action func(c *cli.Context, s *session) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer s.close()
		return action(c, s)
	}
}
