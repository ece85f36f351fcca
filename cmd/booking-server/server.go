package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/config"
	"github.com/ehr/scheduler/internal/domain/scheduling"
	"github.com/ehr/scheduler/internal/platform/auth"
	"github.com/ehr/scheduler/internal/platform/cache"
	"github.com/ehr/scheduler/internal/platform/db"
	"github.com/ehr/scheduler/internal/platform/events"
	"github.com/ehr/scheduler/internal/platform/middleware"
	"github.com/ehr/scheduler/internal/platform/telemetry"
	"github.com/ehr/scheduler/migrations"
)

// slotLockTimeout bounds how long a booking waits for a contended slot lock.
const slotLockTimeout = 3 * time.Second

// app is the wired server plus everything that must be closed with it.
type app struct {
	echo      *echo.Echo
	publisher *events.Publisher
	closers   []func(context.Context) error
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, migrate bool) error {
	if cfg.IsDev() {
		logger.Warn().Msg("ENV=development: dev auth is active and every request without X-Dev-Role runs as admin")
	}

	a, err := buildApp(ctx, cfg, logger, migrate)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Str("version", version).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error().Err(serveErr).Msg("server error")
		}
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(serveErr, a.shutdown(shutdownCtx, logger))
}

func (a *app) shutdown(ctx context.Context, logger zerolog.Logger) error {
	var errs []error
	if err := a.echo.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// In-flight event deliveries finish before their sink goes away.
	if err := a.publisher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain events: %w", err))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, migrate bool) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		for i := len(a.closers) - 1; i >= 0; i-- {
			_ = a.closers[i](context.Background())
		}
		return nil, err
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, "booking-server", version, cfg.OTelEndpoint)
	if err != nil {
		return fail(fmt.Errorf("telemetry: %w", err))
	}
	a.closers = append(a.closers, shutdownTelemetry)
	metrics, err := telemetry.DefaultMetrics()
	if err != nil {
		return fail(fmt.Errorf("metrics: %w", err))
	}

	checks := map[string]db.Check{}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		if rdb, err = cache.NewRedisClient(ctx, cfg.RedisURL); err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info().Msg("connected to redis")
	}

	sink, err := eventSink(cfg, rdb, logger)
	if err != nil {
		return fail(err)
	}
	a.publisher = events.NewPublisher(sink, logger)

	var (
		pool         *pgxpool.Pool
		templates    scheduling.TemplateRepository
		appointments scheduling.AppointmentRepository
		doctors      scheduling.DoctorDirectory
	)
	if cfg.UsesPostgres() {
		pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		logger.Info().Msg("connected to database")

		if migrate {
			if err := db.CreateTenantSchema(ctx, pool, cfg.DefaultTenant, migrations.FS); err != nil {
				return fail(err)
			}
		}
		templates = scheduling.NewTemplateRepoPG(pool)
		appointments = scheduling.NewAppointmentRepoPG(pool, slotLockTimeout)
		doctors = scheduling.NewDoctorDirectoryPG(pool)
	} else {
		store := scheduling.NewMemoryStore()
		templates, appointments = store, store
		doctors = scheduling.NewMemoryDirectory(true)
		logger.Warn().Msg("STORE=memory: data is lost on restart")
	}
	if rdb != nil && cfg.DoctorCacheTTL > 0 {
		doctors = scheduling.NewCachedDirectory(doctors, cache.NewRedis(rdb, "scheduler:"), cfg.DoctorCacheTTL, logger)
	}

	svc := scheduling.NewService(templates, appointments, doctors,
		scheduling.WithEvents(a.publisher),
		scheduling.WithMetrics(metrics),
		scheduling.WithBookingTimeout(cfg.BookingTimeout),
		scheduling.WithLogger(logger.With().Str("component", "scheduling").Logger()),
	)

	signingKey, err := resolveSigningKey(cfg.AuthSigningKey)
	if err != nil {
		return fail(err)
	}

	a.echo = newEcho(cfg, logger, pool, signingKey, checks)
	api := a.echo.Group("/api/v1")
	api.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	scheduling.NewHandler(svc).RegisterRoutes(api)

	return a, nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, signingKey []byte, checks map[string]db.Check) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: signingKey,
			Skipper:    auth.AuthSkipper,
		}))
	}
	if pool != nil {
		e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant, auth.AuthSkipper))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool, checks))
	return e
}

// eventSink picks where status events go: redis pub/sub, a signed webhook,
// both, or the log when neither is configured.
func eventSink(cfg *config.Config, rdb *redis.Client, logger zerolog.Logger) (events.Sink, error) {
	var sinks events.Fanout
	if rdb != nil {
		sinks = append(sinks, events.NewRedisSink(rdb))
	}
	if cfg.EventsWebhookURL != "" {
		hook, err := events.NewWebhookSink(cfg.EventsWebhookURL, cfg.EventsWebhookSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("EVENTS_WEBHOOK_URL: %w", err)
		}
		sinks = append(sinks, hook)
	}
	switch len(sinks) {
	case 0:
		return events.LogSink{Logger: logger.With().Str("component", "events").Logger()}, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

// resolveSigningKey accepts AUTH_SIGNING_KEY as hex ("hex:" prefix) or as a
// raw secret. Raw secrets shorter than 32 bytes are rejected.
func resolveSigningKey(v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	if rest, ok := strings.CutPrefix(v, "hex:"); ok {
		key, err := hex.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
		}
		if len(key) < 32 {
			return nil, fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(key))
		}
		return key, nil
	}
	if len(v) < 32 {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(v))
	}
	return []byte(v), nil
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
