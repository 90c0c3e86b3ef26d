// Command escrowd runs the escrow ledger service: the HTTP API, the payment
// provider webhook, and the reconciliation sweep.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"skillancer/config"
	"skillancer/gateway"
	"skillancer/gateway/auth"
	"skillancer/gateway/middleware"
	"skillancer/native/escrow"
	"skillancer/observability"
	"skillancer/observability/logging"
	"skillancer/observability/otel"
	"skillancer/provider"
	"skillancer/recon"
	"skillancer/storage/escrowdb"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "escrow.toml", "path to the service configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var logger *slog.Logger
	if cfg.Logging.FilePath != "" {
		w := logging.Rotating(cfg.Logging.FilePath, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays)
		logger = logging.SetupWriter(cfg.Telemetry.ServiceName, cfg.Logging.Environment, w)
	} else {
		logger = logging.Setup(cfg.Telemetry.ServiceName, cfg.Logging.Environment)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Environment: cfg.Telemetry.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			return fmt.Errorf("telemetry init: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	store, err := escrowdb.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	timeout := time.Duration(cfg.Provider.TimeoutSeconds) * time.Second
	payments := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, timeout)
	contracts := provider.NewContractClient(cfg.Provider.ContractsBaseURL, cfg.Provider.APIKey, timeout)

	engine := escrow.NewEngine(store, payments, contracts,
		escrow.WithEmitter(&metricEmitter{logger: logger}),
	)

	verifier, err := auth.NewVerifier(auth.Options{
		Secret:         cfg.Auth.Secret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		RoleClaim:      cfg.Auth.RoleClaim,
		MaxSkewSeconds: cfg.Auth.MaxSkewSeconds,
	})
	if err != nil {
		return err
	}

	server := gateway.New(gateway.Config{
		Engine:        engine,
		Verifier:      verifier,
		WebhookSecret: cfg.Provider.WebhookSecret,
		Logger:        logger,
		Observability: middleware.ObservabilityConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			LogRequests: cfg.Server.LogRequests,
			Enabled:     true,
		},
		RateLimits: map[string]middleware.RateLimit{
			"api":      {RequestsPerMinute: cfg.Server.RequestsPerMinute, Burst: cfg.Server.Burst},
			"webhooks": {RequestsPerMinute: cfg.Server.WebhookRequestsPerMinute, Burst: cfg.Server.WebhookBurst},
		},
		CORS: middleware.CORSConfig{AllowedOrigins: cfg.Server.AllowedOrigins},
	})

	if cfg.Recon.Enabled {
		sweeper := recon.New(engine, store, payments,
			recon.WithInterval(time.Duration(cfg.Recon.IntervalSeconds)*time.Second),
			recon.WithGracePeriod(time.Duration(cfg.Recon.GracePeriodSeconds)*time.Second),
			recon.WithBatchLimit(cfg.Recon.BatchLimit),
			recon.WithLogger(logger),
		)
		go func() {
			if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("reconciler stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrow service listening", "address", cfg.Server.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down escrow service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// metricEmitter forwards ledger events to the event metrics and the log.
type metricEmitter struct {
	logger *slog.Logger
}

func (e *metricEmitter) Emit(evt escrow.Event) {
	observability.Events().Record(evt.Type)
	attrs := make([]any, 0, len(evt.Attributes)*2)
	for k, v := range evt.Attributes {
		attrs = append(attrs, slog.String(k, v))
	}
	e.logger.With(attrs...).Info(evt.Type)
}
