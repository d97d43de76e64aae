package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	httpapi "github.com/i474232898/carbon-collector/internal/api/http"
	"github.com/i474232898/carbon-collector/internal/carbon"
	"github.com/i474232898/carbon-collector/internal/carbon/providers"
	"github.com/i474232898/carbon-collector/internal/collector"
	"github.com/i474232898/carbon-collector/internal/config"
	"github.com/i474232898/carbon-collector/internal/failures"
	"github.com/i474232898/carbon-collector/internal/logging"
	"github.com/i474232898/carbon-collector/internal/metrics"
	"github.com/i474232898/carbon-collector/internal/scheduler"
	"github.com/i474232898/carbon-collector/internal/store"
)

const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		logging.Error().Err(err).Msg("invalid configuration")
		return exitConfig
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	runID := uuid.New().String()
	logging.Info().
		Str("source", cfg.SourceCode).
		Str("run_id", runID).
		Dur("interval", cfg.Interval).
		Str("data_dir", cfg.DataDir).
		Msg("carbon collector starting")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Per-attempt timeout; exceeding it is a transport failure.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	fileStore, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		logging.Error().Err(err).Msg("cannot open data directory")
		return exitFatal
	}

	service := collector.NewService(
		collector.Options{Source: cfg.SourceCode, RunID: runID, Interval: cfg.Interval},
		providers.NewCO2SignalProvider(httpClient, cfg.APIURL, cfg.APIKey, m),
		fileStore,
		scheduler.New(cfg.Interval),
		failures.New(failures.DefaultMaxFailures),
		m,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var app *fiber.App
	if cfg.ListenAddr != "" {
		app = fiber.New(fiber.Config{
			AppName:               "carbon-collector",
			DisableStartupMessage: true,
			ReadTimeout:           10 * time.Second,
			WriteTimeout:          10 * time.Second,
		})
		app.Use(recover.New())
		httpapi.RegisterRoutes(app, service, reg)

		go func() {
			if err := app.Listen(cfg.ListenAddr); err != nil {
				logging.Warn().Err(err).Msg("status server stopped")
			}
		}()
	}

	runErr := service.Run(ctx)

	if app != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("error during status server shutdown")
		}
	}

	if runErr != nil {
		ev := logging.Error().Err(runErr)
		switch {
		case errors.Is(runErr, carbon.ErrThresholdExceeded):
			ev.Msg("giving up: too many consecutive collection windows missed")
		case errors.Is(runErr, carbon.ErrStorageCorruption):
			ev.Msg("stored series is corrupt; refusing to continue")
		default:
			ev.Msg("collector stopped")
		}
		return exitFatal
	}

	logging.Info().Msg("carbon collector stopped")
	return exitOK
}
