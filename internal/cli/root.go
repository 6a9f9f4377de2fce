// Package cli implements the covenant command line.
//
// "covenant serve" runs the daemon. Every other command talks to a running
// daemon over its HTTP API, so the in-memory custody state is never forked.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/covenant-labs/covenant/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "covenant",
	Short: "Staked commitments with custody and verified resolution",
	Long: `Covenant holds a stake in custody until a commitment is resolved.
A verified resolution returns the stake to its owner; a failed one pays the
beneficiary. Evidence is judged by an external video verification service.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default $COVENANT_HOME/config.toml)")
	rootCmd.PersistentFlags().String("addr", "", "daemon address (default from [api] host and port)")
	rootCmd.PersistentFlags().String("token", os.Getenv("COVENANT_TOKEN"), "bearer token (default $COVENANT_TOKEN)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig(cmd *cobra.Command) (daemon.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return daemon.LoadConfig(path)
}
