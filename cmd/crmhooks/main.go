package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fernhill/crmhooks/internal/api"
	"github.com/fernhill/crmhooks/internal/config"
	"github.com/fernhill/crmhooks/internal/delivery"
	"github.com/fernhill/crmhooks/internal/events"
	"github.com/fernhill/crmhooks/internal/models"
	"github.com/fernhill/crmhooks/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "crmhooks",
		Short: "crmhooks — outbound webhook delivery pipeline for the CRM",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(processCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(subscriptionCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the admin API and the delivery processor loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			processor := delivery.NewProcessor(cfg.Delivery, store, log)
			pool := delivery.NewPool(processor, cfg.Delivery.PollInterval, log)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.Start(ctx)

			sender := delivery.NewSender(cfg.Delivery.DefaultTimeout, cfg.Delivery.MaxBodyBytes)
			router := events.NewRouter(store, sender, cfg.Router.SyncFallback, log)

			server := api.NewServer(cfg.Server, store, router, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("batch_size", cfg.Delivery.BatchSize).
				Int("workers", cfg.Delivery.Workers).
				Str("storage", cfg.Storage.Driver).
				Bool("sync_fallback", cfg.Router.SyncFallback).
				Msg("crmhooks is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			pool.Stop()

			log.Info().Msg("crmhooks stopped")
			return nil
		},
	}
}

func processCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one delivery batch tick (for cron or manual triggering)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			processor := delivery.NewProcessor(cfg.Delivery, store, log)
			result, err := processor.ProcessBatch(context.Background())
			if err != nil {
				return fmt.Errorf("batch processing failed: %w", err)
			}

			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func subscriptionCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscription",
		Short: "Manage webhook subscriptions",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a webhook subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			subURL, _ := cmd.Flags().GetString("url")
			eventList, _ := cmd.Flags().GetString("events")
			maxRetries, _ := cmd.Flags().GetInt("max-retries")
			timeoutSecs, _ := cmd.Flags().GetInt("timeout")

			if tenant == "" || subURL == "" || eventList == "" {
				return fmt.Errorf("--tenant, --url and --events are required")
			}

			var eventTypes []models.EventType
			for _, raw := range strings.Split(eventList, ",") {
				e := models.EventType(strings.TrimSpace(raw))
				if !e.Valid() {
					return fmt.Errorf("unknown event type %q", e)
				}
				eventTypes = append(eventTypes, e)
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now().UTC()
			sub := &models.WebhookSubscription{
				ID:             models.NewID("sub"),
				TenantID:       tenant,
				URL:            subURL,
				Secret:         models.NewSecret(),
				Events:         eventTypes,
				MaxRetries:     maxRetries,
				TimeoutSeconds: timeoutSecs,
				Active:         true,
				CreatedAt:      now,
				UpdatedAt:      now,
			}

			if err := store.CreateSubscription(context.Background(), sub); err != nil {
				return fmt.Errorf("failed to create subscription: %w", err)
			}

			out, _ := json.MarshalIndent(sub, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	createCmd.Flags().String("tenant", "", "tenant id")
	createCmd.Flags().String("url", "", "subscriber URL")
	createCmd.Flags().String("events", "", "comma-separated event types")
	createCmd.Flags().Int("max-retries", 3, "additional attempts beyond the first")
	createCmd.Flags().Int("timeout", 30, "per-attempt timeout in seconds")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: crmhooks subscription list <tenant_id>")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			subs, err := store.ListSubscriptions(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to list subscriptions: %w", err)
			}

			if len(subs) == 0 {
				fmt.Println("No subscriptions found.")
				return nil
			}

			for _, sub := range subs {
				state := "inactive"
				if sub.Active {
					state = "active"
				}
				fmt.Printf("  %s  %s  [%s]  failures=%d\n", sub.ID, sub.URL, state, sub.FailureCount)
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: crmhooks stats <tenant_id>")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.QueueStats(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crmhooks v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg *config.Config, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.Storage.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.Storage.SQLite.Path, cfg.Delivery.RetrySchedule)
	case "memory":
		log.Warn().Msg("using in-memory storage, queue is not durable")
		return storage.NewMemory(cfg.Delivery.RetrySchedule), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
