package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskwire/taskwire/taskd"
	"github.com/taskwire/taskwire/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "taskwire",
		Usage:   "task service with cache-consistent reads and event fan-out",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/taskwire/taskwire.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "cache backend connection URL",
			Value:   "redis://localhost:6379/0",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "info|debug|warn|error",
			EnvVars: []string{"TASKWIRE_LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		populateCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the HTTP API",
			Value:   ":8000",
			EnvVars: []string{"TASKWIRE_BIND"},
		},
		&cli.DurationFlag{
			Name:    "max-task-ttl",
			Usage:   "hard cap on cached snapshot lifetime",
			Value:   time.Hour,
			EnvVars: []string{"TASKWIRE_MAX_TASK_TTL"},
		},
		&cli.IntFlag{
			Name:    "page-size",
			Usage:   "tasks per listing page",
			Value:   20,
			EnvVars: []string{"TASKWIRE_PAGE_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "monitor-interval",
			Usage:   "cache liveness poll interval",
			Value:   5 * time.Second,
			EnvVars: []string{"TASKWIRE_MONITOR_INTERVAL"},
		},
		&cli.IntFlag{
			Name:    "rate-limit",
			Usage:   "max requests per window per client IP, 0 disables",
			Value:   100,
			EnvVars: []string{"TASKWIRE_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "rate-limit-window",
			Value:   time.Minute,
			EnvVars: []string{"TASKWIRE_RATE_LIMIT_WINDOW"},
		},
		&cli.StringFlag{
			Name:    "max-redis-memory",
			Usage:   "best-effort redis maxmemory setting, e.g. 256mb; empty skips it",
			EnvVars: []string{"TASKWIRE_MAX_REDIS_MEMORY"},
		},
		&cli.StringFlag{
			Name:    "events-channel",
			Value:   "tasks_channel",
			EnvVars: []string{"TASKWIRE_EVENTS_CHANNEL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger, err := cliutil.SetupSlog(cliutil.LogOptions{
			LogLevel:  cctx.String("log-level"),
			LogFormat: "json",
		})
		if err != nil {
			return err
		}

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		// At a minimum, you need to set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			logger.Info("setting up trace exporter", "endpoint", ep)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			exp, err := otlptracehttp.New(ctx)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					logger.Error("failed to shutdown trace exporter", "error", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("taskwire"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
					attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
					attribute.Int64("ID", 1),
				)),
			)
			otel.SetTracerProvider(tp)
		}

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
			if err := db.Use(tracing.NewPlugin()); err != nil {
				return err
			}
		}

		ropts, err := redis.ParseURL(cctx.String("redis-url"))
		if err != nil {
			return err
		}
		rdb := redis.NewClient(ropts)

		cfg := taskd.DefaultConfig()
		cfg.MaxTaskTTL = cctx.Duration("max-task-ttl")
		cfg.PageSize = cctx.Int("page-size")
		cfg.MonitorInterval = cctx.Duration("monitor-interval")
		cfg.EventsChannel = cctx.String("events-channel")
		cfg.RateLimit = cctx.Int("rate-limit")
		cfg.RateWindow = cctx.Duration("rate-limit-window")
		cfg.MaxCacheMemory = cctx.String("max-redis-memory")
		cfg.Logger = logger

		srv, err := taskd.NewServer(db, rdb, cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return srv.Run(ctx, cctx.String("bind"))
	},
}
