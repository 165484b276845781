package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/voxpoll/pkg/voxpoll"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve Twilio webhooks and run survey dialogues",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadEngine(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return engine.Run(ctx)
		},
	}
}

func loadEngine(cmd *cobra.Command) (*voxpoll.Engine, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := voxpoll.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return voxpoll.NewEngine(voxpoll.EngineOptions{Config: cfg})
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
