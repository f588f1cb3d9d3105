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

	"github.com/verdantstack/verdant-diagnose/internal/api"
	"github.com/verdantstack/verdant-diagnose/internal/cache"
	"github.com/verdantstack/verdant-diagnose/internal/classifier"
	"github.com/verdantstack/verdant-diagnose/internal/config"
	"github.com/verdantstack/verdant-diagnose/internal/engine"
	"github.com/verdantstack/verdant-diagnose/internal/history"
	"github.com/verdantstack/verdant-diagnose/internal/metrics"
	"github.com/verdantstack/verdant-diagnose/internal/notify"
	"github.com/verdantstack/verdant-diagnose/internal/repo"
	"github.com/verdantstack/verdant-diagnose/internal/services"
	"github.com/verdantstack/verdant-diagnose/internal/taxonomy"
	"github.com/verdantstack/verdant-diagnose/internal/utils"
	"github.com/verdantstack/verdant-diagnose/internal/vision"
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
	logger.Info("starting diagnosis-engine", slog.String("address", cfg.Server.Address), slog.String("mode", cfg.Arbiter.Mode))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	tax, err := taxonomy.Load(cfg.Model.TaxonomyPath)
	if err != nil {
		logger.Error("failed to load taxonomy", slog.String("path", cfg.Model.TaxonomyPath), slog.Any("error", err))
		os.Exit(1)
	}

	mode := engine.Mode(cfg.Arbiter.Mode)

	var local engine.LocalClassifier
	if mode != engine.ModeRemoteOnly {
		backend, err := classifier.NewONNXBackend(cfg.Model.Path, cfg.Model.InputSize)
		if err != nil {
			logger.Error("failed to load local model", slog.String("path", cfg.Model.Path), slog.Any("error", err))
			os.Exit(1)
		}
		defer backend.Close()
		local = classifier.NewLocal(backend, cfg.Model.Version, cfg.Model.Workers)
	}

	var remote engine.RemoteClassifier
	if mode != engine.ModeLocalOnly {
		if cfg.Remote.APIKey == "" {
			logger.Warn("remote classifier API key missing, remote verdicts will fail over to local")
		}
		remote = classifier.NewRemote(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.Model, cfg.Remote.Timeout, tax)
	}

	arbiter := engine.NewArbiter(logger, local, remote, tax, engine.Policy{
		Mode:             mode,
		HealthyThreshold: cfg.Arbiter.HealthyThreshold,
		AgreementMargin:  cfg.Arbiter.AgreementMargin,
		RemoteTimeout:    cfg.Arbiter.RemoteTimeout,
	})

	adviceEngine, err := engine.NewAdviceEngine(cfg.Advice.Path, logger)
	if err != nil {
		logger.Error("failed to load advice pack", slog.String("path", cfg.Advice.Path), slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		if cfg.Cache.Addr != "" {
			provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
				Addr:         cfg.Cache.Addr,
				Username:     cfg.Cache.Username,
				Password:     cfg.Cache.Password,
				DB:           cfg.Cache.DB,
				DialTimeout:  cfg.Cache.DialTimeout,
				ReadTimeout:  cfg.Cache.ReadTimeout,
				WriteTimeout: cfg.Cache.WriteTimeout,
				TLS:          cfg.Cache.TLS,
			})
			if err != nil {
				logger.Warn("valkey cache unavailable, using in-memory cache", slog.Any("error", err))
				cacheProvider = cache.NewMemoryProvider()
			} else {
				cacheProvider = provider
				defer provider.Close()
			}
		} else {
			cacheProvider = cache.NewMemoryProvider()
		}
	}

	var sink services.RecordSink
	if cfg.Sink.BaseURL != "" {
		sink = repo.NewHTTPRecordStore(cfg.Sink.BaseURL, cfg.Sink.RecordsPath, cfg.Sink.Timeout)
	} else {
		logger.Info("no record store configured, keeping diagnoses in memory")
		sink = repo.NewMemoryRecordStore()
	}

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		tn, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID, tax, logger)
		if err != nil {
			logger.Warn("telegram notifier unavailable", slog.Any("error", err))
		} else {
			notifier = tn
		}
	}

	normalizer := vision.NewNormalizer(cfg.Model.InputSize, cfg.Server.MaxUploadBytes)
	service := services.NewDiagnosisService(logger, normalizer, arbiter, adviceEngine, sink, notifier, cacheProvider, cfg.Cache.ResultTTL)
	aggregator := history.NewAggregator(logger, sink, tax)

	handlers := api.NewHandlers(logger, service, aggregator, tax)
	server := api.NewServer(cfg.Server, handlers, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("diagnosis-engine stopped")
}
