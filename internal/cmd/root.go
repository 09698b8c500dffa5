// Package cmd wires up the fleetdiag command tree.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rowanharley/fleetdiag/internal/cmd/daemon"
	"github.com/rowanharley/fleetdiag/internal/cmd/lockcmd"
	"github.com/rowanharley/fleetdiag/internal/cmd/sessioncmd"
	"github.com/rowanharley/fleetdiag/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "fleetdiag",
	Short: "Leaderless fleet-wide diagnostic collection",
	Long: `Fleetdiag coordinates diagnostic data collection across a fleet of
instances that share durable state but have no other communication
channel. Each instance runs the same daemon; sessions, completion
tracking, and mutual exclusion all flow through the shared store.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/fleetdiag/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	daemon.Register(rootCmd)
	sessioncmd.Register(rootCmd)
	lockcmd.Register(rootCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("FLEETDIAG")
	// Replace dots with underscores for nested keys in env vars
	// e.g., FLEETDIAG_STORE_DIR for store.dir
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
