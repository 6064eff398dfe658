package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orderbridge/poller/pkg/log"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "poller",
	Short:   "Multi-tenant order polling bridge",
	Long:    `poller polls confirmed sales orders from upstream business-app instances and delivers them to per-connection webhooks.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("poller version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides POLLER_LOG_LEVEL")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(connectionCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(breakerCmd)
	rootCmd.AddCommand(resendCmd)
}

func initLogging() {
	levelFlag, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonFlag, _ := rootCmd.PersistentFlags().GetBool("log-json")

	level := levelFlag
	if level == "" {
		level = envOrDefault("POLLER_LOG_LEVEL", "INFO")
	}

	log.Init(log.Config{
		Level:      log.Level(strings.ToLower(level)),
		JSONOutput: jsonFlag,
	})
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
