package main

import (
	"fmt"

	"github.com/harunnryd/voxpoll/pkg/voxpoll"
	"github.com/spf13/cobra"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <campaign.yaml>",
		Short: "Create or update a campaign and its contacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := voxpoll.LoadSeed(args[0])
			if err != nil {
				return err
			}
			engine, err := loadEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Close()
			n, err := voxpoll.Seed(commandContext(cmd), engine.Repository(), seed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "campaign %s: %d contacts\n", seed.Campaign.ID, n)
			return nil
		},
	}
}
