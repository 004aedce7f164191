package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/storekit/coupons/internal/di"
	"github.com/storekit/coupons/internal/handlers"
	"github.com/storekit/coupons/internal/platform/auth"
	"github.com/storekit/coupons/internal/platform/config"
	"github.com/storekit/coupons/internal/platform/idempotency"
	"github.com/storekit/coupons/internal/platform/observability"
	"github.com/storekit/coupons/internal/platform/secrets"
	"github.com/storekit/coupons/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("coupons")

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	loadOpts := []config.Option{config.WithSecretResolver(fetcher)}
	if strings.EqualFold(strings.TrimSpace(envValues["COUPONS_STORAGE_DRIVER"]), config.DriverPostgres) {
		loadOpts = append(loadOpts, config.WithRequiredSecrets("Postgres.DSN"))
	}
	cfg, err := config.Load(ctx, loadOpts...)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("required secrets missing", zap.Strings("secrets", missing.RedactedNames()))
		}
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(baseLogger),
		di.WithBuildInfo(buildInfo),
	)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err), zap.String("driver", cfg.Storage.Driver))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		idempotency.RunCleanup(cleanupCtx, container.Idempotency,
			cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	}()

	finalizeMW, err := finalizeMiddlewares(cfg, container, fetcher)
	if err != nil {
		logger.Fatal("failed to configure finalize verification", zap.Error(err))
	}
	router := handlers.NewRouter(routerOptions(cfg, container, buildInfo, finalizeMW, logger)...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("driver", cfg.Storage.Driver))
	go func() {
		serverLogger.Info("coupon api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// finalizeMiddlewares verifies the caller's signature, when configured, before the
// idempotency replay layer sees the request.
func finalizeMiddlewares(cfg config.Config, container *di.Container, fetcher *secrets.Fetcher) ([]func(http.Handler) http.Handler, error) {
	var mw []func(http.Handler) http.Handler
	if cfg.Auth.SigningSecret != "" {
		verifier, err := auth.NewSignatureVerifier(
			auth.SecretProviderFunc(fetcher.Resolve),
			cfg.Auth.SigningSecret,
			auth.WithClockSkew(cfg.Auth.ClockSkew),
			auth.WithSignatureMaxBody(cfg.Server.MaxBodyBytes),
		)
		if err != nil {
			return nil, err
		}
		mw = append(mw, verifier.Middleware)
	}
	mw = append(mw, idempotency.Middleware(container.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithMaxBodySize(cfg.Server.MaxBodyBytes),
		idempotency.WithScope(func(r *http.Request) string { return chi.URLParam(r, "store") }),
	))
	return mw, nil
}

func routerOptions(cfg config.Config, container *di.Container, build services.BuildInfo, finalizeMW []func(http.Handler) http.Handler, logger *zap.Logger) []handlers.Option {
	httpLogger := logger.Named("http")
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(httpLogger),
		observability.TraceMiddleware(cfg.Firestore.ProjectID),
		observability.RecoveryMiddleware(httpLogger),
		observability.RequestLoggerMiddleware(),
	}

	var opts []handlers.Option
	if cfg.Metrics.Enabled {
		metrics := observability.NewHTTPMetrics("coupons")
		middlewares = append(middlewares, metrics.Middleware)
		opts = append(opts, handlers.WithMetricsHandler(cfg.Metrics.Path, metrics.Handler()))
	}

	couponHandlers := handlers.NewCouponHandlers(
		container.Services.Coupons,
		container.Services.Redemptions,
		handlers.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		handlers.WithPublicLookup(cfg.Features.EnablePublicLookup),
		handlers.WithFinalizeMiddlewares(finalizeMW...),
	)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthSystemService(container.Services.System),
	)

	opts = append(opts,
		handlers.WithMiddlewares(middlewares...),
		handlers.WithTimeout(cfg.Server.RequestTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithStoreRoutes(couponHandlers.Routes),
	)
	return opts
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["COUPONS_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["COUPONS_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	project := strings.TrimSpace(env["COUPONS_SECRETS_PROJECT_ID"])
	if project == "" {
		project = strings.TrimSpace(env["GOOGLE_CLOUD_PROJECT"])
	}
	opts := []secrets.Option{
		secrets.WithProject(project),
		secrets.WithLogger(logger.Named("secrets")),
	}
	if path := strings.TrimSpace(env["COUPONS_SECRETS_FALLBACK_FILE"]); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	return secrets.NewFetcher(ctx, opts...)
}
