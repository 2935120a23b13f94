package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/clinicops/crm/internal/config"
	"github.com/clinicops/crm/internal/domain/dedup"
	"github.com/clinicops/crm/internal/platform/audit"
	"github.com/clinicops/crm/internal/platform/auth"
	"github.com/clinicops/crm/internal/platform/db"
	"github.com/clinicops/crm/internal/platform/lock"
	"github.com/clinicops/crm/internal/platform/middleware"
	"github.com/clinicops/crm/internal/platform/telemetry"
	"github.com/clinicops/crm/internal/platform/webhook"
	"github.com/clinicops/crm/migrations"
)

const serviceName = "crm"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "crm",
		Short:        "Clinic CRM server and data maintenance tools",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(dedupCmd())
	return root
}

// newLogger writes JSON, or a console format in development.
func newLogger(w io.Writer, dev bool) zerolog.Logger {
	if dev {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("service", serviceName).Logger()
}

// -- Application wiring --

type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	redis    *redis.Client
	locker   lock.Locker
	svc      *dedup.Service
	shutdown func(context.Context) error
}

// newApp loads configuration and connects everything the engine needs. Logs
// go to logOut so command output on stdout stays machine readable.
func newApp(ctx context.Context, logOut io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(logOut, cfg.IsDev())

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Env,
		Enabled:     cfg.OTelEnabled,
		SampleRatio: cfg.OTelSamplerRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	})
	if err != nil {
		return nil, err
	}
	logger.Info().Int32("max_conns", cfg.DBMaxConns).Msg("connected to database")

	a := &app{cfg: cfg, logger: logger, pool: pool, shutdown: shutdown}

	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.redis = client
		a.locker = lock.NewRedisLocker(client, serviceName+":lock:")
		logger.Info().Msg("using redis run lock")
	} else {
		a.locker = lock.NewLocalLocker()
		logger.Warn().Msg("REDIS_URL not set, run lock only guards this process")
	}

	sink := audit.Fanout{audit.NewPGSink(pool), audit.NewLogSink(logger)}
	svc, err := dedup.NewService(dedup.NewStorePG(pool), a.locker, sink, cfg.DedupConfig, logger, otel.Tracer("github.com/clinicops/crm/dedup"))
	if err != nil {
		a.close()
		return nil, err
	}
	if cfg.PatientWebhookURL != "" {
		hook, err := webhook.NewClient(webhook.Config{URL: cfg.PatientWebhookURL, Secret: cfg.PatientWebhookSecret}, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		svc.SetNotifier(hook)
	} else {
		svc.SetNotifier(&patientChangeLog{logger: logger})
	}
	a.svc = svc
	return a, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("flush traces")
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.pool.Close()
}

// patientChangeLog is the notifier used when no webhook is configured.
type patientChangeLog struct {
	logger zerolog.Logger
}

func (n *patientChangeLog) PatientChanged(_ context.Context, id uuid.UUID) error {
	n.logger.Info().Str("patient_id", id.String()).Msg("patient record changed, completeness re-check requested")
	return nil
}

// -- serve --

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the CRM admin API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	a, err := newApp(context.Background(), os.Stdout)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.TracingMiddleware(otel.GetTracerProvider()))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	checks := map[string]db.Pinger{"database": a.pool}
	if p, ok := a.locker.(db.Pinger); ok {
		checks["redis"] = p
	}
	e.GET("/health", db.HealthHandler(a.pool, checks))

	var authMW echo.MiddlewareFunc
	if a.cfg.IsDev() {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(jwtConfig(a.cfg))
	}
	apiV1 := e.Group("/api/v1", authMW)
	dedup.NewHandler(a.svc).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jc.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return jc
}

// -- migrate --

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	cmd.PersistentFlags().String("dir", "", "Read migrations from this directory instead of the embedded set")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})
	return cmd
}

func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.IsDev())

	ctx := cmd.Context()
	pool, err := db.NewPool(ctx, db.PoolConfig{DatabaseURL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrationSource(dir), logger))
}
