package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	roastguard "github.com/eugener/roastguard/internal"
)

func newKillSwitchCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Inspect or flip the service-wide kill switch",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the kill switch state",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.GetSwitch(context.Background())
			if err != nil {
				return err
			}
			printSwitch(st)
			return nil
		},
	}

	var operator string
	set := func(engaged bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if operator == "" {
				return fmt.Errorf("--operator is required")
			}
			_, _, store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.SetSwitch(context.Background(), engaged, operator)
			if err != nil {
				return err
			}
			printSwitch(st)
			return nil
		}
	}

	engageCmd := &cobra.Command{
		Use:   "engage",
		Short: "Disable all paid calls",
		RunE:  set(true),
	}
	releaseCmd := &cobra.Command{
		Use:   "release",
		Short: "Re-enable paid calls",
		RunE:  set(false),
	}
	for _, c := range []*cobra.Command{engageCmd, releaseCmd} {
		c.Flags().StringVar(&operator, "operator", os.Getenv("USER"), "who is flipping the switch")
	}

	cmd.AddCommand(statusCmd, engageCmd, releaseCmd)
	return cmd
}

func printSwitch(st roastguard.SwitchState) {
	state := "released (paid calls enabled)"
	if st.Engaged {
		state = "ENGAGED (paid calls disabled)"
	}
	fmt.Printf("kill switch: %s\n", state)
	if st.UpdatedBy != "" {
		fmt.Printf("updated by %s at %s\n", st.UpdatedBy, st.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	}
}
