// Package cli implements the settle command line.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tutu-network/settle/internal/daemon"
	"github.com/tutu-network/settle/internal/logging"
)

var (
	configPath string
	homeDir    string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $SETTLE_HOME/config.toml)")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "data directory (default $SETTLE_HOME or ~/.settle)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override [log].level")
}

var rootCmd = &cobra.Command{
	Use:   "settle",
	Short: "Credit ledger and settlement engine",
	Long: `settle keeps a multi-tenant credit ledger: value arrives as lots,
is held by reservations and consumed on finalize, with every finalized
charge split between the commons, community and foundation accounts.
Payouts move through a two-phase escrow, agents spend under a daily cap,
and a periodic reconciliation audits the books.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves the config file from --config or --home and applies
// the --home and --log-level overrides.
func loadConfig() (daemon.Config, error) {
	path := configPath
	if path == "" {
		home := homeDir
		if home == "" {
			home = daemon.DefaultHome()
		}
		path = filepath.Join(home, daemon.ConfigFileName)
	}
	cfg, err := daemon.LoadConfig(path)
	if err != nil {
		return daemon.Config{}, err
	}
	if homeDir != "" {
		cfg.Storage.Home = homeDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// openDaemon builds a bootstrapped daemon for a one-shot command. Unless
// --log-level is given, one-shot commands only log warnings.
func openDaemon(cmd *cobra.Command) (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	level := "warn"
	if logLevel != "" {
		level = logLevel
	}
	logger, err := logging.New(level, cfg.Log.JSON)
	if err != nil {
		return nil, err
	}
	d, err := daemon.New(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := d.Bootstrap(cmd.Context()); err != nil {
		d.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return d, nil
}
