package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careportal/careportal/internal/config"
	"github.com/careportal/careportal/internal/platform/db"
	"github.com/careportal/careportal/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "careportal-server",
		Short: "CarePortal real-time coordination server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

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

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the real-time gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			memory, _ := cmd.Flags().GetBool("memory")
			return runServer(memory)
		},
	}
	cmd.Flags().Bool("memory", false, "Keep all state in memory instead of Postgres")
	return cmd
}

func runServer(memory bool) error {
	cfg, err := config.Load(!memory)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	srv, err := buildServer(ctx, cfg, logger, memory)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}
	srv.scheduler.Start()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("memory", memory).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})
	return cmd
}

func withMigrator(fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load(true)
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}
