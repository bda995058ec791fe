package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/relaybus"
	"github.com/glimte/relaybus/internal/config"
	"github.com/glimte/relaybus/storage/gormstore"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "Forward outbox messages and consume inbound topics",
		Long: `relayd drains the transactional outbox to the configured broker, listens on
the inbound topics and exposes /healthz, /readyz and /outbox/stats.

Settings come from an optional config file and RELAY_* environment variables,
for example RELAY_BROKER_KIND=rabbitmq or RELAY_OUTBOX_POLL_INTERVAL=500ms.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML, JSON or TOML config file")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newForwardCmd(load),
		newStatsCmd(load),
	)
	return rootCmd
}

type loadFunc func() (*config.Config, error)

func newServeCmd(load loadFunc) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the forwarder, listeners and health server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := relaybus.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			if migrate {
				if err := client.Migrate(ctx); err != nil {
					return err
				}
			}

			client.Logger().Info("relayd starting", "version", version)
			return client.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Create the relay tables before starting")
	return cmd
}

func newMigrateCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the outbox and inbox tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := gormstore.Open(databaseConfig(cfg))
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}

			if err := gormstore.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "relay tables are up to date")
			return nil
		},
	}
}

func newForwardCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "forward",
		Short: "Run a single outbox forwarding pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			client, err := relaybus.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			report, err := client.Outbox().ForwardPending(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d sent=%d failed=%d deferred=%d\n",
				report.Attempted, report.Sent, report.Failed, report.Deferred)
			return err
		},
	}
}

func newStatsCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the number of pending outbox messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := gormstore.Open(databaseConfig(cfg))
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}

			pending, err := gormstore.NewOutboxStore(db).CountPending(cmd.Context())
			if err != nil {
				return fmt.Errorf("count pending: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending=%d\n", pending)
			return nil
		},
	}
}

func databaseConfig(cfg *config.Config) gormstore.Config {
	return gormstore.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogLevel:        cfg.Database.LogLevel,
	}
}
