// Package cli implements the decision-cache commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"decision-cache/internal/config"
)

var (
	configPath string
	logLevel   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "decision-cache",
	Short: "Personalization proposition cache and response correlator",
	Long:  "Fetches decision propositions through a message broker, correlates the responses and serves the cached results over HTTP.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: configs/application.yaml)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override server.log_level")
}

func loadConfig() (config.Config, *viper.Viper) {
	v := config.NewViper()
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	cfg, v := config.LoadWith(v)
	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	return cfg, v
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
