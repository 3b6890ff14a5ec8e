package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eugener/roastguard/internal/config"
)

func newAdminKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admin-key",
		Short: "Generate a random admin key for auth.admin_key",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(config.GenerateAdminKey())
		},
	}
}
