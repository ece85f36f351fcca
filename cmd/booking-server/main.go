package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/scheduler/internal/config"
	"github.com/ehr/scheduler/internal/domain/scheduling"
	"github.com/ehr/scheduler/internal/platform/cache"
	"github.com/ehr/scheduler/internal/platform/db"
	"github.com/ehr/scheduler/internal/platform/events"
	"github.com/ehr/scheduler/migrations"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "booking-server",
		Short:        "Doctor availability and appointment booking API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(eventsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "booking-server").Logger()
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, logger, migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Create and migrate the default tenant schema before serving")
	return cmd
}

// withPool loads config and opens a pool for the one-shot commands.
func withPool(fn func(ctx context.Context, cfg *config.Config, pc db.PoolConfig) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.UsesPostgres() {
		return fmt.Errorf("this command needs STORE=%s", config.StorePostgres)
	}
	return fn(context.Background(), cfg, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(func(ctx context.Context, cfg *config.Config, pc db.PoolConfig) error {
				if tenant == "" {
					tenant = cfg.DefaultTenant
				}
				schema, err := db.SchemaName(tenant)
				if err != nil {
					return err
				}
				pool, err := db.NewPool(ctx, pc)
				if err != nil {
					return err
				}
				defer pool.Close()

				fmt.Printf("Running migrations on schema: %s\n", schema)
				if err := db.CreateTenantSchema(ctx, pool, tenant, nil); err != nil {
					return err
				}
				count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant whose schema to migrate (default: DEFAULT_TENANT)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(func(ctx context.Context, cfg *config.Config, pc db.PoolConfig) error {
				if tenant == "" {
					tenant = cfg.DefaultTenant
				}
				schema, err := db.SchemaName(tenant)
				if err != nil {
					return err
				}
				pool, err := db.NewPool(ctx, pc)
				if err != nil {
					return err
				}
				defer pool.Close()

				statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(os.Stdout, schema, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("tenant", "", "Tenant whose schema to inspect (default: DEFAULT_TENANT)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage clinics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if _, err := db.SchemaName(name); err != nil {
				return err
			}
			return withPool(func(ctx context.Context, _ *config.Config, pc db.PoolConfig) error {
				pool, err := db.NewPool(ctx, pc)
				if err != nil {
					return err
				}
				defer pool.Close()

				if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
					return err
				}
				fmt.Printf("Tenant %s created.\n", name)
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (letters, digits, underscore)")

	cmd.AddCommand(createCmd)
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect published domain events",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "listen",
		Short: "Print appointment status events as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required to listen for events")
			}
			logger := newLogger(cfg.Env)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			defer client.Close()

			return events.Subscribe(ctx, client, scheduling.StatusChannel, logger, func(payload []byte) error {
				logger.Info().RawJSON("event", payload).Msg("status changed")
				return nil
			})
		},
	})
	return cmd
}
