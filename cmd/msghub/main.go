package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"msghub/internal/adapter"
	"msghub/internal/config"
	"msghub/internal/httpapi"
	"msghub/internal/router"
	"msghub/internal/store"
	"msghub/internal/template"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "msghub",
		Short: "msghub: unified message router",
		Long:  "msghub connects heterogeneous messaging platforms behind one thread/message model with deduplication and notification fan-out.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.msghub/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(platformsCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	return cfg
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config directory and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the message router and HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setLogLevel(cfg.General.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.General.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Templates.SeedDir != "" {
		if err := template.Seed(ctx, cfg.Templates.SeedDir, db, logger); err != nil {
			logger.Warn("template seeding failed", "err", err)
		}
	}

	adapters := adapter.NewRegistry(cfg.Platforms, logger)
	rt := router.New(db, adapters, logger, router.Options{
		SyncInterval: time.Duration(cfg.Sync.IntervalSeconds) * time.Second,
		CallTimeout:  time.Duration(cfg.Sync.CallTimeoutSeconds) * time.Second,
		BatchLimit:   cfg.Sync.BatchLimit,
	})

	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	srv := httpapi.NewServer(addr, rt, db, logger)

	logger.Info("msghub starting", "version", version, "db", cfg.General.DBPath)

	err = srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.Shutdown(shutdownCtx)

	return err
}

func platformsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "platforms",
		Short: "List supported platforms and their capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			adapters := adapter.NewRegistry(cfg.Platforms, logger)
			for _, p := range adapters.Platforms() {
				ad, err := adapters.New(p)
				if err != nil {
					continue
				}
				caps := ad.Capabilities()
				fmt.Printf("%-10s send=%v receive=%v threads=%v webhook-push=%v reliable-history=%v\n",
					p, caps.Send, caps.Receive, caps.Threads, !caps.Receive, caps.ReliableHistory)
				for _, req := range caps.Requirements {
					fmt.Printf("           requires: %s\n", req)
				}
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show integrations and pending work for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			db, err := store.NewSQLiteStore(cfg.General.DBPath, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			integrations, err := db.ListIntegrations(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if len(integrations) == 0 {
				fmt.Println("no integrations")
			}
			for _, in := range integrations {
				state := "inactive"
				if in.IsActive {
					state = "active"
				}
				lastSync := "never"
				if !in.LastSyncAt.IsZero() {
					lastSync = in.LastSyncAt.Format(time.RFC3339)
				}
				fmt.Printf("%-10s %-8s %s (last sync: %s)\n", in.Platform, state, in.DisplayName, lastSync)
			}

			pending, err := db.CountPending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("pending processing entries: %d\n", pending)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "default", "user id to inspect")
	return cmd
}

func setLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
