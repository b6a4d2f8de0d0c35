// Package main is the entry point for the quotedesk server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/quotedesk/internal/calcapi"
	"github.com/pitabwire/quotedesk/internal/config"
	"github.com/pitabwire/quotedesk/internal/events"
	"github.com/pitabwire/quotedesk/internal/observability"
	"github.com/pitabwire/quotedesk/internal/quotation"
	"github.com/pitabwire/quotedesk/internal/session"
	"github.com/pitabwire/quotedesk/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "quotedesk", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
		metricsHandler = observability.Handler(prometheus.DefaultGatherer)
	}

	// Step 4: Inbound authentication.
	authenticate, err := transport.JWTAuthenticator(cfg.Identity, cfg.Identity.Secret())
	if err != nil {
		logger.Error("authenticator initialization failed",
			zap.String("secret_env", cfg.Identity.SecretEnv), zap.Error(err))
		return 1
	}

	// Step 5: Calculation service client, optionally checked against its contract.
	calcOpts := []calcapi.Option{calcapi.WithLogger(logger), calcapi.WithMetrics(metrics)}
	if cfg.CalcAPI.SpecFile != "" {
		contract, err := calcapi.LoadContract(ctx, cfg.CalcAPI.SpecFile)
		if err != nil {
			logger.Error("calculation API contract load failed", zap.Error(err))
			return 1
		}
		if err := contract.Verify(); err != nil {
			logger.Error("calculation API contract is missing operations", zap.Error(err))
			return 1
		}
		logger.Info("calculation API contract loaded", zap.Int("operations", contract.Operations()))
		calcOpts = append(calcOpts, calcapi.WithContract(contract))
	}
	calc := calcapi.New(cfg.CalcAPI, calcOpts...)

	// Step 6: Session store.
	store, storeCloser, err := buildSessionStore(ctx, cfg.Session, logger)
	if err != nil {
		logger.Error("session store initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Idempotency store (optional).
	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	// Step 8: Event publisher.
	publisher, publisherHealth, err := buildPublisher(cfg.Events, metrics, logger)
	if err != nil {
		logger.Error("event publisher initialization failed", zap.Error(err))
		return 1
	}

	// Step 9: Quotation service.
	svcOpts := []quotation.Option{
		quotation.WithSessionTTL(cfg.Session.TTL),
		quotation.WithComputingTimeout(cfg.Session.ComputingTimeout),
		quotation.WithPublisher(publisher),
		quotation.WithMetrics(metrics),
		quotation.WithLogger(logger),
	}
	if idemStore != nil {
		svcOpts = append(svcOpts, quotation.WithIdempotency(idemStore, cfg.Idempotency.Store.DefaultTTL))
	}
	svc := quotation.NewService(store, calc, svcOpts...)

	// Step 10: Build HTTP router.
	readiness := observability.ReadinessChecks{
		SessionStore:   store,
		EventPublisher: publisherHealth,
		CalcAPI:        calc,
	}
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Service:        svc,
		Authenticate:   authenticate,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Readiness:      readiness,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go svc.RunSweeper(bgCtx, cfg.Session.SweepInterval)

	// Step 12: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("session_driver", cfg.Session.Driver),
		zap.Bool("idempotency", idemStore != nil),
		zap.Bool("events", cfg.Events.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := publisher.Close(); err != nil {
		logger.Error("event publisher close error", zap.Error(err))
	}
	if idemCloser != nil {
		idemCloser()
	}
	if storeCloser != nil {
		storeCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// sessionStore is what the service and the readiness probe need.
type sessionStore interface {
	session.Store
	observability.HealthChecker
}

// buildSessionStore creates the session store for the configured driver.
func buildSessionStore(ctx context.Context, cfg config.SessionConfig, logger *zap.Logger) (sessionStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory session store")
		return session.NewMemoryStore(), nil, nil
	case "redis":
		client, err := openRedis(ctx, cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: %w", err)
		}
		logger.Info("using redis session store")
		return session.NewRedisStore(client), func() { _ = client.Close() }, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("session store: %s environment variable not set", cfg.DSNEnv)
		}
		store, closer, err := session.OpenPgStore(ctx, dsn, cfg.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using postgres session store")
		return store, closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (quotation.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "redis":
		client, err := openRedis(ctx, cfg.Store.AddrEnv, cfg.Store.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		logger.Info("using redis idempotency store")
		return quotation.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil
	default:
		logger.Info("using in-memory idempotency store")
		return quotation.NewMemoryIdempotencyStore(), nil, nil
	}
}

// buildPublisher always logs events and adds Kafka when enabled. The second
// return value is nil unless a broker is involved.
func buildPublisher(cfg config.EventsConfig, metrics *observability.Metrics, logger *zap.Logger) (events.Publisher, observability.HealthChecker, error) {
	logPub := events.NewLogPublisher(logger.Named("events"))
	if !cfg.Enabled {
		return logPub, nil, nil
	}

	kafkaPub, err := events.NewKafkaPublisher(cfg,
		events.WithPublisherMetrics(metrics),
		events.WithPublisherLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("publishing session events to kafka",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)
	return events.Multi{kafkaPub, logPub}, kafkaPub, nil
}

func openRedis(ctx context.Context, addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return client, nil
}
