package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/trialvisits/internal/config"
	"github.com/ehr/trialvisits/internal/domain/draft"
	"github.com/ehr/trialvisits/internal/domain/examination"
	"github.com/ehr/trialvisits/internal/domain/study"
	"github.com/ehr/trialvisits/internal/domain/visit"
	"github.com/ehr/trialvisits/internal/platform/audit"
	"github.com/ehr/trialvisits/internal/platform/auth"
	"github.com/ehr/trialvisits/internal/platform/clock"
	"github.com/ehr/trialvisits/internal/platform/db"
	"github.com/ehr/trialvisits/internal/platform/middleware"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "visits-server",
		Short: "Clinical trial visit coordination API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolOptions{
		DatabaseURL:     cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "visits-server",
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the visits API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, dir).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply all migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: tenant_%s\n", name)
			if err := db.CreateTenantSchema(ctx, pool, name, cfg.MigrationsDir); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep-missed",
		Short: "Mark open visits whose window has closed as missed",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			registry, err := examination.NewPGRegistry(pool, examination.DefaultCatalogue())
			if err != nil {
				return err
			}
			sink := audit.Multi{audit.NewLogSink(logger), audit.NewPGSink(pool)}
			svc := newVisitService(pool, registry, audit.Sync{Sink: sink, Logger: logger}, logger)

			return db.WithTenant(ctx, pool, tenant, func(ctx context.Context) error {
				n, err := svc.SweepMissed(ctx)
				if err != nil {
					return fmt.Errorf("sweep tenant %s: %w", tenant, err)
				}
				logger.Info().Str("tenant_id", tenant).Int("missed", n).Msg("sweep finished")
				return nil
			})
		},
	}
	cmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	return cmd
}

func transactor(pool *pgxpool.Pool) visit.Transactor {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.RunInTx(ctx, pool, fn)
	}
}

func newVisitService(pool *pgxpool.Pool, registry *examination.Registry, rec audit.Recorder, logger zerolog.Logger) *visit.Service {
	return visit.NewService(
		visit.NewRepoPG(pool),
		visit.NewDeviationRepoPG(pool),
		visit.NewTracker(registry.IsSingleEye),
		visit.WithAudit(rec),
		visit.WithTransactor(transactor(pool)),
		visit.WithLogger(logger.With().Str("component", "visit").Logger()),
	)
}

// newDraftStore picks the draft backend. The returned pinger is nil unless
// the store lives outside Postgres.
func newDraftStore(cfg *config.Config, pool *pgxpool.Pool) (draft.Store, db.Pinger, func(), error) {
	switch cfg.DraftStore {
	case config.DraftStoreValkey:
		client, err := draft.NewValkeyClient(cfg.ValkeyURL)
		if err != nil {
			return nil, nil, nil, err
		}
		store := draft.NewValkeyStore(client, cfg.DraftTTL())
		return store, store, client.Close, nil
	case config.DraftStoreMemory:
		return draft.NewMemoryStore(), nil, func() {}, nil
	default:
		return draft.NewPGStore(pool), nil, func() {}, nil
	}
}

func accessRecorder(d *audit.Dispatcher) middleware.AccessRecorder {
	return middleware.AccessRecorderFunc(func(e middleware.AccessEntry) error {
		d.Access(audit.AccessEvent{
			TenantID:     e.TenantID,
			RequestID:    e.RequestID,
			UserID:       e.UserID,
			Roles:        e.UserRoles,
			Action:       e.Action,
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			Method:       e.Method,
			Path:         e.Path,
			StatusCode:   e.StatusCode,
			IPAddress:    e.IPAddress,
			AccessedAt:   e.Timestamp,
		})
		return nil
	})
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Audit
	dispatcher := audit.NewDispatcher(
		audit.Multi{audit.NewLogSink(logger), audit.NewPGSink(pool)},
		logger.With().Str("component", "audit").Logger(),
		cfg.AuditBuffer,
	)
	dispatcher.Start(context.Background())
	defer dispatcher.Close()

	// Examinations
	registry, err := examination.NewPGRegistry(pool, examination.DefaultCatalogue())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build examination registry")
	}

	// Drafts
	draftStore, draftPinger, closeDraftStore, err := newDraftStore(cfg, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open draft store")
	}
	defer closeDraftStore()
	logger.Info().Str("draft_store", cfg.DraftStore).Msg("draft store ready")

	// Services
	visitSvc := newVisitService(pool, registry, dispatcher, logger)
	studySvc := study.NewService(
		study.NewStudyRepoPG(pool),
		study.NewSurveyRepoPG(pool),
		visit.NewExpander(visit.NewRepoPG(pool)),
		registry.Known,
		study.WithTransactor(transactor(pool)),
		study.WithLogger(logger.With().Str("component", "study").Logger()),
	)
	synchronizer := draft.NewSynchronizer(draftStore, visitSvc, registry, clock.System{}, dispatcher,
		logger.With().Str("component", "draft").Logger(),
		draft.WithWorkerScope(func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.Isolate(ctx, pool, fn)
		}),
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "If-Match", "If-None-Match"},
		ExposeHeaders: []string{"ETag", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.SubmitBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout()))

	// Health checks are public and resolve no tenant.
	extras := map[string]db.Pinger{}
	if draftPinger != nil {
		extras["draft_store"] = draftPinger
	}
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, extras))

	// API group
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	apiV1.Use(middleware.Audit(logger, accessRecorder(dispatcher)))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Domain routes
	study.NewHandler(studySvc).RegisterRoutes(apiV1)
	visit.NewHandler(visitSvc).RegisterRoutes(apiV1)
	draft.NewHandler(synchronizer).RegisterRoutes(apiV1)
	examination.NewHandler(registry).RegisterRoutes(apiV1)

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
