package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/config"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/logging"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/source"
)

const (
	FlagAddr     = "addr"
	FlagSimulate = "simulate"
)

// GetServeCmd returns the standalone roster source command.
func GetServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a roster source that watchers subscribe to",
		Run: func(cmd *cobra.Command, args []string) {
			// Parse inputs
			configFile, err := cmd.Flags().GetString(FlagConfig)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagConfig, err)
			}
			logLevel, err := cmd.Flags().GetString(FlagLogLevel)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagLogLevel, err)
			}
			addr, err := cmd.Flags().GetString(FlagAddr)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagAddr, err)
			}
			simulate, err := cmd.Flags().GetBool(FlagSimulate)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagSimulate, err)
			}

			cfg, err := config.LoadConfig(configFile, "", "", logLevel)
			if err != nil {
				log.Fatalf("config: %v", err)
			}
			if addr != "" {
				cfg.Source.Addr = addr
			}
			if simulate {
				cfg.Source.Simulate.Enabled = true
			}

			if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
				log.Fatalf("logging: %v", err)
			}

			// Init source
			src, err := source.New(cfg.ToSourceConfig())
			if err != nil {
				log.Fatalf("source init: %v", err)
			}

			app := fiber.New(fiber.Config{
				ReadTimeout:           5 * time.Second,
				WriteTimeout:          10 * time.Second,
				IdleTimeout:           120 * time.Second,
				DisableStartupMessage: true,
			})
			app.Use(recover.New())
			src.Register(app)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				if err := app.Listen(cfg.Source.Addr); err != nil {
					log.Fatalf("source server: %v", err)
				}
			}()

			if cfg.Source.Simulate.Enabled {
				tick := time.Duration(cfg.Source.Simulate.TickMs) * time.Millisecond
				go src.Simulate(ctx, cfg.Source.Simulate.Participants, tick)
			}

			// Run until signaled
			if err := src.Run(ctx); err != nil {
				log.Fatalf("source: %v", err)
			}

			// Closing watcher connections first lets the fiber
			// shutdown drain the upgraded connections
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := src.Shutdown(shutdownCtx); err != nil {
				log.Fatalf("shutdown: %v", err)
			}
			if err := app.Shutdown(); err != nil {
				log.Fatalf("server shutdown: %v", err)
			}
		},
	}
	cmd.Flags().String(FlagAddr, "", "(optional) listen address for the source server")
	cmd.Flags().Bool(FlagSimulate, false, "(optional) drive synthetic roster churn")

	return cmd
}

func init() {
	rootCmd.AddCommand(GetServeCmd())
}
