package main

import (
	"log"

	"github.com/spf13/cobra"
)

const (
	FlagConfig   = "config"
	FlagLogLevel = "log-level"
)

// rootCmd is a base command.
var rootCmd = &cobra.Command{
	Use:   "rostersyncd",
	Short: "Classroom roster synchronization daemon",
}

func init() {
	rootCmd.PersistentFlags().String(FlagConfig, "", "(optional) path to YAML configuration file")
	rootCmd.PersistentFlags().String(FlagLogLevel, "", "(optional) log level override (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("rootCmd.Execute: %v", err)
	}
}
