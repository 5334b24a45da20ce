package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/config"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/engine"
)

const (
	FlagUpstreamURL = "upstream-url"
	FlagAPIAddr     = "api-addr"
)

// GetWatchCmd returns the watcher daemon command.
func GetWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Mirror a classroom roster from an upstream broker",
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
			upstreamURL, err := cmd.Flags().GetString(FlagUpstreamURL)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagUpstreamURL, err)
			}
			apiAddr, err := cmd.Flags().GetString(FlagAPIAddr)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagAPIAddr, err)
			}

			cfg, err := config.LoadConfig(configFile, upstreamURL, apiAddr, logLevel)
			if err != nil {
				log.Fatalf("config: %v", err)
			}

			// Init engine
			e, err := engine.CreateEngine(cfg)
			if err != nil {
				log.Fatalf("engine init: %v", err)
			}

			// Run until signaled
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := e.Start(ctx); err != nil {
				log.Fatalf("engine: %v", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.Shutdown(shutdownCtx); err != nil {
				log.Fatalf("shutdown: %v", err)
			}
		},
	}
	cmd.Flags().String(FlagUpstreamURL, "", "(optional) upstream broker websocket URL")
	cmd.Flags().String(FlagAPIAddr, "", "(optional) debug API listen address")

	return cmd
}

func init() {
	rootCmd.AddCommand(GetWatchCmd())
}
