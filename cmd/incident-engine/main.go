package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetwatch/incident-engine/internal/api"
	"github.com/fleetwatch/incident-engine/internal/config"
	"github.com/fleetwatch/incident-engine/internal/dispatch"
	"github.com/fleetwatch/incident-engine/internal/engine"
	"github.com/fleetwatch/incident-engine/internal/incident"
	"github.com/fleetwatch/incident-engine/internal/ingest"
	"github.com/fleetwatch/incident-engine/internal/keys"
	"github.com/fleetwatch/incident-engine/internal/metrics"
	"github.com/fleetwatch/incident-engine/internal/models"
	"github.com/fleetwatch/incident-engine/internal/store"
	"github.com/fleetwatch/incident-engine/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting incident-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var rows store.Store
	if cfg.Store.Enabled && cfg.Store.Addr != "" {
		valkey, err := store.NewValkeyStore(store.ValkeyConfig{
			Addr:         cfg.Store.Addr,
			Username:     cfg.Store.Username,
			Password:     cfg.Store.Password,
			DB:           cfg.Store.DB,
			DialTimeout:  cfg.Store.DialTimeout,
			ReadTimeout:  cfg.Store.ReadTimeout,
			WriteTimeout: cfg.Store.WriteTimeout,
			MaxRetries:   cfg.Store.MaxRetries,
			TLS:          cfg.Store.TLS,
		})
		if err != nil {
			logger.Error("valkey store unavailable", slog.Any("error", err))
			os.Exit(1)
		}
		rows = valkey
	} else {
		rows = store.NewMemoryStore()
		logger.Warn("persistence disabled, incident rows held in memory only")
	}
	defer rows.Close()

	var publisher dispatch.Publisher
	if cfg.Dispatch.URL != "" {
		publisher, err = dispatch.NewAMQPPublisher(cfg.Dispatch.URL, cfg.Dispatch.Exchange)
		if err != nil {
			logger.Error("outbound broker unavailable", slog.Any("error", err))
			os.Exit(1)
		}
		defer publisher.Close()
	} else {
		logger.Warn("dispatch url not set, notifications persist without publication")
	}

	dispatcher := dispatch.New(logger, publisher, rows, dispatch.Options{
		QueueSize:      cfg.Dispatch.QueueSize,
		PublishTimeout: cfg.Dispatch.PublishTimeout,
		MaxElapsed:     cfg.Dispatch.MaxElapsed,
	})

	eng := engine.New(logger, engine.Config{
		Workers:            cfg.Pipeline.Workers,
		LaneQueueSize:      cfg.Pipeline.LaneQueueSize,
		SuppressionWindow:  cfg.Pipeline.SuppressionWindow,
		CorrelationHorizon: cfg.Pipeline.CorrelationHorizon,
		ResolveGrace:       cfg.Pipeline.ResolveGrace,
		CloseQuiescence:    cfg.Pipeline.CloseQuiescence,
		SweepInterval:      cfg.Pipeline.SweepInterval,
		Shapes:             keys.ParseShapes(cfg.Pipeline.CorrelationDimensions),
		Severity:           incident.MapperFromCutoffs(severityCutoffs(cfg.Severity)),
	}, dispatcher)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	eng.Start()

	if cfg.Ingest.URL != "" {
		consumer := ingest.NewConsumer(logger, ingest.Options{
			URL:        cfg.Ingest.URL,
			Exchange:   cfg.Ingest.Exchange,
			Queue:      cfg.Ingest.Queue,
			BindingKey: cfg.Ingest.BindingKey,
			Prefetch:   cfg.Ingest.Prefetch,
		}, eng)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("anomaly feed consumer exited", slog.Any("error", err))
				stop()
			}
		}()
	} else {
		logger.Warn("ingest url not set, only the HTTP event endpoint is active")
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      api.New(logger, eng).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		logger.Info("api server listening", slog.String("address", cfg.Server.Address))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server exited", slog.Any("error", err))
			stop()
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	// Order matters: stop intake, drain the lanes, flush the dispatcher,
	// then take down the listeners.
	if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("api server shutdown", slog.Any("error", err))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Warn("engine drain incomplete", slog.Any("error", err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("dispatch flush incomplete", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("incident-engine stopped")
}

func severityCutoffs(cfg config.SeverityConfig) []incident.Cutoff {
	if len(cfg.Cutoffs) == 0 {
		return incident.DefaultCutoffs()
	}
	out := make([]incident.Cutoff, 0, len(cfg.Cutoffs))
	for _, c := range cfg.Cutoffs {
		out = append(out, incident.Cutoff{
			Ratio:    c.Ratio,
			Severity: models.Severity(c.Severity),
		})
	}
	return out
}
