package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eugener/roastguard/internal/quota"
	"github.com/eugener/roastguard/internal/worker"
)

func newReapCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Delete expired counter buckets and settled handles now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, p, store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			holder, err := quota.NewHolder(p)
			if err != nil {
				return err
			}
			reaper, err := worker.NewReaper(store, holder, cfg.Reaper.Schedule, cfg.Reaper.KeepDays)
			if err != nil {
				return err
			}
			counters, handles, err := reaper.Reap(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d counters and %d settled handles\n", counters, handles)
			return nil
		},
	}
}
