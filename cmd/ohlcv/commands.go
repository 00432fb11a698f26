package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/johnayoung/go-ohlcv-ingest/internal/metrics"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "run the live loop and periodic backfill until interrupted",
	Action: withSession(runIngestor),
}

var liveCommand = &cli.Command{
	Name:      "live",
	Usage:     "fetch the recent window of one symbol",
	ArgsUsage: "SYMBOL",
	Action:    withSession(fetchLive),
}

var historicalCommand = &cli.Command{
	Name:      "historical",
	Usage:     "fetch a historical range of one symbol in chunks",
	ArgsUsage: "SYMBOL",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "start", Usage: "range start, RFC3339 or YYYY-MM-DD (default: configured expected start)"},
		&cli.StringFlag{Name: "end", Usage: "range end, RFC3339 or YYYY-MM-DD (default: now)"},
	},
	Action: withSession(fetchHistorical),
}

var gapsCommand = &cli.Command{
	Name:  "gaps",
	Usage: "detect and record gaps in stored series",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "symbol", Usage: "limit detection to one symbol"},
		&cli.IntFlag{Name: "days", Usage: "days to look back (default: configured)"},
	},
	Action: withSession(detectGaps),
}

var gapReportCommand = &cli.Command{
	Name:  "gap-report",
	Usage: "summarize gaps and completeness across every symbol",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "days", Usage: "days to look back (default: configured)"},
	},
	Action: withSession(gapReport),
}

var backfillCommand = &cli.Command{
	Name:  "backfill",
	Usage: "recover every pending or failed gap",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "strategy", Usage: "prioritization: auto, size_asc, size_desc, severity"},
	},
	Action: withSession(backfillGaps),
}

var scheduleCommand = &cli.Command{
	Name:  "schedule",
	Usage: "detect gaps for a symbol (or all) and backfill them",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "symbol", Usage: "limit to one symbol"},
		&cli.StringFlag{Name: "start", Usage: "scan start, RFC3339 or YYYY-MM-DD"},
		&cli.StringFlag{Name: "end", Usage: "scan end, RFC3339 or YYYY-MM-DD"},
		&cli.StringFlag{Name: "strategy", Usage: "prioritization strategy"},
	},
	Action: withSession(scheduleBackfill),
}

var performanceCommand = &cli.Command{
	Name:  "performance",
	Usage: "show provider performance and recent recorded calls",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "calls", Value: 10, Usage: "recent calls to show per provider"},
	},
	Action: withSession(providerPerformance),
}

var resetBreakersCommand = &cli.Command{
	Name:   "reset-breakers",
	Usage:  "close every circuit breaker and print the resulting states",
	Action: withSession(resetBreakers),
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "show ingestor, storage and provider status",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "health", Usage: "show component health instead"},
	},
	Action: withSession(showStatus),
}

func runIngestor(c *cli.Context, s *session) error {
	srv := metrics.New(s.config.Metrics, s.ingestor, s.logs.GetComponentLogger("metrics"))
	if err := srv.Start(c.Context); err != nil {
		return err
	}
	defer srv.Stop(context.WithoutCancel(c.Context))

	s.logger.Info("starting ingestor", "version", Version, "storage", s.config.Storage.Type)
	if err := s.ingestor.Run(c.Context); err != nil {
		return fmt.Errorf("ingestor failed: %w", err)
	}
	s.logger.Info("ingestor shut down")
	return nil
}

func fetchLive(c *cli.Context, s *session) error {
	symbol, err := symbolArg(c)
	if err != nil {
		return err
	}
	n, err := s.ingestor.FetchLive(c.Context, symbol)
	if err != nil {
		return fmt.Errorf("live fetch failed: %w", err)
	}
	return s.printJSON(map[string]any{"symbol": symbol, "inserted": n})
}

func fetchHistorical(c *cli.Context, s *session) error {
	symbol, err := symbolArg(c)
	if err != nil {
		return err
	}
	start, err := optionalTime(c, "start")
	if err != nil {
		return err
	}
	end, err := optionalTime(c, "end")
	if err != nil {
		return err
	}

	var n int
	err = s.started(c.Context, func() error {
		var ferr error
		n, ferr = s.ingestor.FetchHistorical(c.Context, symbol, start, end)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("historical fetch failed: %w", err)
	}
	return s.printJSON(map[string]any{"symbol": symbol, "inserted": n})
}

func detectGaps(c *cli.Context, s *session) error {
	gaps, err := s.ingestor.DetectGaps(c.Context, c.String("symbol"), c.Int("days"))
	if err != nil {
		return fmt.Errorf("gap detection failed: %w", err)
	}
	s.logger.Info("gap detection completed", "gaps", len(gaps))
	return s.printJSON(gaps)
}

func gapReport(c *cli.Context, s *session) error {
	report, err := s.ingestor.GapReport(c.Context, c.Int("days"))
	if err != nil {
		return fmt.Errorf("gap report failed: %w", err)
	}
	return s.printJSON(report)
}

func backfillGaps(c *cli.Context, s *session) error {
	report, err := s.ingestor.BackfillGaps(c.Context, c.String("strategy"))
	if err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}
	return s.printJSON(report)
}

func scheduleBackfill(c *cli.Context, s *session) error {
	var start, end time.Time
	if t, err := optionalTime(c, "start"); err != nil {
		return err
	} else if t != nil {
		start = *t
	}
	if t, err := optionalTime(c, "end"); err != nil {
		return err
	} else if t != nil {
		end = *t
	}

	report, err := s.ingestor.ScheduleBackfill(c.Context, c.String("symbol"), start, end, c.String("strategy"))
	if err != nil {
		return fmt.Errorf("scheduled backfill failed: %w", err)
	}
	return s.printJSON(report)
}

func providerPerformance(c *cli.Context, s *session) error {
	providers := s.ingestor.GetProviderPerformance()
	calls := make(map[string][]models.ProviderCall, len(providers))
	for _, p := range providers {
		recent, err := s.store.ProviderCalls(c.Context, p.Name, c.Int("calls"))
		if err != nil {
			s.logger.Warn("failed to read provider calls", "provider", p.Name, "error", err)
			continue
		}
		calls[p.Name] = recent
	}
	return s.printJSON(map[string]any{
		"providers":    providers,
		"recent_calls": calls,
	})
}

func resetBreakers(c *cli.Context, s *session) error {
	s.ingestor.ResetCircuitBreakers()
	s.logger.Info("circuit breakers reset")
	return s.printJSON(s.ingestor.Status(c.Context).Breakers)
}

func showStatus(c *cli.Context, s *session) error {
	if c.Bool("health") {
		h := s.ingestor.Health(c.Context)
		if err := s.printJSON(h); err != nil {
			return err
		}
		if !h.Healthy {
			return cli.Exit("", ExitError)
		}
		return nil
	}
	return s.printJSON(s.ingestor.Status(c.Context))
}

func symbolArg(c *cli.Context) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Args().First()))
	if symbol == "" {
		return "", cli.Exit(fmt.Sprintf("usage: %s %s %s", AppName, c.Command.Name, c.Command.ArgsUsage), ExitError)
	}
	return symbol, nil
}

var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"}

// optionalTime parses the named flag, returning nil when it is unset.
func optionalTime(c *cli.Context, name string) (*time.Time, error) {
	v := strings.TrimSpace(c.String(name))
	if v == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, cli.Exit(fmt.Sprintf("invalid --%s %q: want RFC3339 or YYYY-MM-DD", name, v), ExitError)
}
