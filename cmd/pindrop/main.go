// Command pindrop is an offline-first client for the field pin API.
//
// Field workers drop pins (door-knock visits with coordinates and a
// disposition) that sync to a central server. When the network is gone
// the client keeps working: writes land in a local SQLite cache with a
// pending-operations queue, and a background drain pushes them to the
// server when connectivity returns.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldmark/pindrop/internal/config"
)

var (
	version = "0.3.0"

	cfgPath string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pindrop",
	Short: "Offline-first field pin client",
	Long: `pindrop records field visits as map pins and syncs them to the
central pin API. All writes work offline: they are cached locally and
drained to the server when it becomes reachable.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pindrop version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pindrop %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: ./pindrop.yaml or ~/.pindrop/pindrop.yaml)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
