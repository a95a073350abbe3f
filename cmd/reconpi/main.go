package main

import (
	"fmt"
	"os"

	"github.com/fentz26/reconpi/internal/config"
	"github.com/fentz26/reconpi/internal/store"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "reconpi",
	Short: "reconpi - policy-gated recon appliance",
	Long: `reconpi coordinates WiFi observation and LAN operations on a single lab appliance.
Every action passes a policy gate; risky plan steps wait for operator approval.`,
	SilenceUsage: true,
}

var (
	apiAddr    string
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7467", "Control plane address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to config file")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(stagesCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(handoffCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured database directly, for maintenance
// commands that work without a running daemon.
func openStore() (*store.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return s, cfg, nil
}
