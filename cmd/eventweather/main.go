package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jonboulle/clockwork"

	"github.com/lox/eventweather/internal/aggregate"
	"github.com/lox/eventweather/internal/config"
	"github.com/lox/eventweather/internal/ingest"
	"github.com/lox/eventweather/internal/logging"
	"github.com/lox/eventweather/internal/metrics"
	"github.com/lox/eventweather/internal/models"
	"github.com/lox/eventweather/internal/publish"
	"github.com/lox/eventweather/internal/report"
	"github.com/lox/eventweather/internal/roster"
	"github.com/lox/eventweather/internal/store"
)

type globals struct {
	Config   string `help:"Path to the config file." default:"eventweather.yaml" type:"path"`
	EnvFile  string `help:"Path to a .env file loaded before the config." default:".env" name:"env-file"`
	LogLevel string `help:"Override the configured log level (debug, info, warn, error)." name:"log-level"`
}

type cli struct {
	globals

	Migrate  migrateCmd  `cmd:"" help:"Apply database migrations and exit."`
	Run      runCmd      `cmd:"" help:"Enrich every roster city once, then print the summary."`
	Schedule scheduleCmd `cmd:"" help:"Enrich the roster on a fixed interval until interrupted."`
	Report   reportCmd   `cmd:"" help:"Print the aggregate summary from the database."`
	Export   exportCmd   `cmd:"" help:"Write each city's latest weather as CSV."`
}

// app is the wiring shared by every command.
type app struct {
	conf  *config.Config
	log   *slog.Logger
	store *store.Store
}

func (g *globals) open() (*app, error) {
	if err := config.LoadDotEnv(g.EnvFile); err != nil {
		return nil, err
	}
	conf, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		if err := conf.LogLevel.UnmarshalText([]byte(g.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", g.LogLevel, err)
		}
	}
	log := logging.New(os.Stderr, conf.LogLevel, conf.LogFormat)

	st, err := store.Open(conf.Database.Path, log)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &app{conf: conf, log: log, store: st}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// pipeline builds the enrichment pipeline from config. The returned close
// function releases the publisher.
func (a *app) pipeline(clock clockwork.Clock) (*ingest.Pipeline, func()) {
	weather := ingest.NewWeather(ingest.WeatherConfig{
		BaseURL:    a.conf.Weather.BaseURL,
		UserAgent:  a.conf.Weather.UserAgent,
		Attempts:   a.conf.Weather.Attempts,
		RetryDelay: a.conf.Weather.RetryDelay,
		Timeout:    a.conf.Weather.Timeout,
	}, clock, a.log)

	opts := ingest.PipelineOptions{
		Clock:     clock,
		CityDelay: a.conf.Pipeline.CityDelay,
		Logger:    a.log,
	}
	if a.conf.Events.Disabled {
		a.log.Info("event enrichment disabled")
	} else {
		opts.Events = ingest.NewEvents(ingest.EventsConfig{
			BaseURL:      a.conf.Events.BaseURL,
			APIKey:       a.conf.Events.APIKey,
			CountryCode:  a.conf.Events.CountryCode,
			PageSize:     a.conf.Events.PageSize,
			Sort:         a.conf.Events.Sort,
			Timeout:      a.conf.Events.Timeout,
			RequirePrice: !a.conf.Events.AllowMissingPrice,
		}, a.log)
	}

	closer := func() {}
	if len(a.conf.Kafka.Brokers) > 0 {
		w := publish.NewWriter(a.conf.Kafka.Brokers, a.conf.Kafka.Topic, a.log)
		opts.Publisher = w
		closer = func() {
			if err := w.Close(); err != nil {
				a.log.Error("kafka writer close error", "error", err)
			}
		}
		a.log.Info("publishing enriched cities", "brokers", a.conf.Kafka.Brokers, "topic", a.conf.Kafka.Topic)
	}

	return ingest.NewPipeline(a.store, weather, opts), closer
}

func (a *app) roster(ctx context.Context) ([]models.RosterEntry, error) {
	return roster.Load(ctx, a.conf.Roster, a.log)
}

func (a *app) writeMetrics() {
	if a.conf.Metrics.File == "" {
		return
	}
	if err := metrics.WriteFile(a.conf.Metrics.File); err != nil {
		a.log.Warn("failed to write metrics file", "path", a.conf.Metrics.File, "error", err)
	}
}

func (a *app) printSummary(ctx context.Context, w io.Writer) error {
	sum, err := aggregate.Build(ctx, a.store)
	if err != nil {
		return err
	}
	return report.WriteSummary(w, sum)
}

type migrateCmd struct{}

func (c *migrateCmd) Run(g *globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	version, err := a.store.MigrationVersion(context.Background())
	if err != nil {
		return err
	}
	a.log.Info("database migrated", "path", a.conf.Database.Path, "version", version)
	return nil
}

type runCmd struct {
	Out string `help:"Write the summary to this file instead of stdout." type:"path"`
}

func (c *runCmd) Run(g *globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	entries, err := a.roster(ctx)
	if err != nil {
		return err
	}
	p, closePub := a.pipeline(clockwork.NewRealClock())
	defer closePub()

	sum, err := p.Run(ctx, entries)
	a.writeMetrics()
	if err != nil {
		return fmt.Errorf("enrichment run %s: %w", sum.RunID, err)
	}
	for _, f := range sum.Failures {
		a.log.Warn("city enrichment incomplete", "city", f.City, "state", f.State, "stage", f.Stage, "error", f.Err)
	}

	return writeTo(c.Out, func(w io.Writer) error {
		return a.printSummary(context.Background(), w)
	})
}

type scheduleCmd struct {
	Every time.Duration `help:"Interval between enrichment runs." default:"1h"`
}

func (c *scheduleCmd) Run(g *globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Every <= 0 {
		return fmt.Errorf("invalid interval: %s", c.Every)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	p, closePub := a.pipeline(clock)
	defer closePub()

	s := ingest.NewScheduler(p, a.roster, c.Every, clock, a.log)
	s.AfterRun = func(*ingest.Summary, error) { a.writeMetrics() }
	return s.Run(ctx)
}

type reportCmd struct {
	Out string `help:"Write the summary to this file instead of stdout." type:"path"`
}

func (c *reportCmd) Run(g *globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	return writeTo(c.Out, func(w io.Writer) error {
		return a.printSummary(context.Background(), w)
	})
}

type exportCmd struct {
	Out string `help:"Write CSV to this file instead of stdout." type:"path"`
}

func (c *exportCmd) Run(g *globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	rows, err := a.store.LatestCityWeather(context.Background())
	if err != nil {
		return err
	}
	return writeTo(c.Out, func(w io.Writer) error {
		return report.WriteWeatherCSV(w, rows)
	})
}

// writeTo runs fn against stdout, or against a file when path is set.
func writeTo(path string, fn func(io.Writer) error) error {
	if path == "" {
		return fn(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("eventweather"),
		kong.Description("Enrich a roster of US cities with NWS weather and Ticketmaster events."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&c.globals); err != nil {
		slog.Error("command failed", "command", ctx.Command(), "error", err)
		os.Exit(1)
	}
}
