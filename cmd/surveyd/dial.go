package main

import (
	"fmt"

	"github.com/harunnryd/voxpoll/pkg/voxpoll"
	"github.com/spf13/cobra"
)

func newDialCmd() *cobra.Command {
	var ignoreWindow bool
	cmd := &cobra.Command{
		Use:   "dial <contact-id>...",
		Short: "Place one survey attempt per contact",
		Long: `Creates an attempt for each contact and asks Twilio to place the call.

A running "surveyd serve" with the same config must receive the callbacks.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Close()
			ctx := commandContext(cmd)
			failed := 0
			for _, id := range args {
				a, err := engine.Dial(ctx, id, voxpoll.DialOptions{IgnoreWindow: ignoreWindow})
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: call %s attempt %d (%s)\n", id, a.CallID, a.AttemptNumber, a.ProviderCallID)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d dials failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&ignoreWindow, "ignore-window", false, "dial outside the campaign calling window and retry schedule")
	return cmd
}
