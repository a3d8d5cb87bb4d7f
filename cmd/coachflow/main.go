// Command coachflow runs topic-driven coaching sessions from the terminal
// and serves the background sweeper with metrics.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/coachflow/pkg/config"
	"github.com/aixgo-dev/coachflow/pkg/observability"
)

// Version information (set via ldflags)
var Version = "dev"

var (
	configFile string
	tenantID   string
	userID     string
)

var rootCmd = &cobra.Command{
	Use:           "coachflow",
	Short:         "Topic-driven AI coaching sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", getEnv("COACHFLOW_CONFIG", "coachflow.yaml"), "Config file")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", getEnv("COACHFLOW_TENANT", "default"), "Tenant id")
	rootCmd.PersistentFlags().StringVar(&userID, "user", getEnv("USER", "local"), "User id")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coachflow %s\n", Version)
		},
	})
}

func main() {
	observability.Version = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. A missing default file falls back to
// defaults plus environment credentials.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		if !cmd.Flags().Changed("config") && errors.Is(err, os.ErrNotExist) {
			log.Printf("Config %s not found, using defaults", configFile)
			cfg = config.Default()
		} else {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parseParams turns repeated key=value flags into prompt parameters.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", p)
		}
		params[k] = v
	}
	return params, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
