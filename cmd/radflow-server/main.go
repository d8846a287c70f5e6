package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/radflow/radflow/internal/config"
	"github.com/radflow/radflow/internal/domain/archive"
	"github.com/radflow/radflow/internal/platform/db"
	"github.com/radflow/radflow/internal/platform/jobqueue"
	"github.com/radflow/radflow/internal/platform/middleware"
	"github.com/radflow/radflow/migrations"
)

const version = "0.1.0"

// drainTimeout bounds how long shutdown waits for in-flight jobs.
const drainTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "radflow-server",
		Short: "Orthanc study ingestion service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(archivesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion API server and job queues",
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

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := schemaFlag(cmd, cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (default MIGRATIONS_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := schemaFlag(cmd, cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
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
						appliedAt = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (default MIGRATIONS_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func schemaFlag(cmd *cobra.Command, cfg *config.Config) string {
	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.MigrationsSchema
	}
	return schema
}

// archivesCmd holds maintenance commands for external schedulers.
func archivesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "Maintain stored study archives",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired study archives and mark their bundles expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx := context.Background()

			store, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()
			blobs, closeBlobs, err := openBlobStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeBlobs()

			urls := archiveURLs(cfg)
			report, err := archive.NewCleaner(store.studies, blobs, urls, logger).CleanupExpired(ctx)
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}
			fmt.Printf("Checked %d, cleaned %d, failed %d\n", report.Checked, report.Cleaned, report.Failed)
			for _, e := range report.Errors {
				fmt.Println("  " + e)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print archive storage usage by month",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			ctx := context.Background()

			blobs, closeBlobs, err := openBlobStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeBlobs()

			stats, err := archive.Stats(ctx, blobs, jobqueue.Stats{Name: "archive"})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	})

	return cmd
}

// setup loads and validates configuration and builds the root logger.
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if cfg.OrthancPasswordSecret != "" {
		pw, err := resolveOrthancPassword(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to read orthanc password secret")
		}
		cfg.OrthancPassword = pw
	}

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open backends")
	}
	defer b.Close()

	if b.pool != nil && cfg.AutoMigrate {
		count, err := db.NewMigrator(b.pool, migrations.FS).Up(ctx, cfg.MigrationsSchema)
		if err != nil {
			logger.Fatal().Err(err).Msg("auto-migrate failed")
		}
		logger.Info().Int("applied", count).Msg("migrations applied")
	}

	if created, err := b.blobs.EnsureBucket(ctx); err != nil {
		logger.Warn().Err(err).Str("bucket", b.blobs.Bucket()).Msg("bucket check failed")
	} else if created {
		logger.Info().Str("bucket", b.blobs.Bucket()).Msg("bucket created")
	}

	a := newApp(cfg, b, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger, "/health"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(a.metrics.Middleware("/metrics", "/health"))

	a.registerRoutes(e, b)

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	a.cleaner.Start(cleanupCtx, cfg.ArchiveCleanupInterval)

	logger.Info().
		Str("store", cfg.StoreBackend).
		Str("storage", b.blobs.Provider()).
		Str("result_cache", cfg.ResultCacheBackend).
		Str("orthanc", cfg.OrthancURL).
		Int("ingest_concurrency", cfg.IngestConcurrency).
		Int("archive_concurrency", cfg.ArchiveConcurrency).
		Int("archive_expiry_days", cfg.ArchiveExpiryDays).
		Msg("services initialized")

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	stopCleanup()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := a.drain(drainCtx); err != nil {
		logger.Warn().Err(err).
			Interface("ingest", a.ingestQueue.Stats()).
			Interface("archive", a.archiveQueue.Stats()).
			Msg("queues did not drain; in-flight jobs are lost")
	}
	logger.Info().Msg("server stopped")
	return nil
}
