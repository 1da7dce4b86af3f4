package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/taylojo5/theo-core/config"
	"github.com/taylojo5/theo-core/internal/approval"
	"github.com/taylojo5/theo-core/internal/store"
)

func sweepCMD() *cobra.Command {
	var cfgPath string
	var batched bool

	var sweep = &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale pending approvals once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()
			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}
			defer st.DB.Close()

			sw := approval.NewSweeper(st, nil)
			if cfg.Sweeper.BatchSize > 0 {
				sw.BatchSize = cfg.Sweeper.BatchSize
			}
			if cfg.Sweeper.BatchDelay > 0 {
				sw.BatchDelay = cfg.Sweeper.BatchDelay
			}

			var res approval.SweepResult
			if batched {
				res, err = sw.RunExpirationCheckBatched(ctx)
			} else {
				res, err = sw.RunExpirationCheck(ctx)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	sweep.Flags().BoolVar(&batched, "batched", false, "sweep in bounded batches")
	sweep.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return sweep
}
