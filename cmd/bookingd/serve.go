package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roombook/internal/app"

	"github.com/spf13/cobra"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the booking service until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := a.Start(ctx); err != nil {
				_ = a.Close()
				return err
			}

			reason := app.StopSIGTERM
			if sig := <-sigs; sig == os.Interrupt {
				reason = app.StopSIGINT
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			return a.Stop(stopCtx, reason)
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}
