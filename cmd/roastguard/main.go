// Roastguard is an admission-control and spend-governance sidecar for a
// single paid AI endpoint. It caps calls per session, per IP and globally
// per day, holds spend under a monthly budget, and honors a kill switch.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "roastguard",
		Short:         "Admission control and spend governance for a paid AI endpoint",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/roastguard.yaml", "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newKillSwitchCmd(&configPath),
		newBudgetCmd(&configPath),
		newReapCmd(&configPath),
		newAdminKeyCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
