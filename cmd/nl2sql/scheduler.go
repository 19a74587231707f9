package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type SchedulerCmd struct {
	opts *rootOptions
}

func NewSchedulerCmd(opts *rootOptions) *SchedulerCmd {
	return &SchedulerCmd{opts: opts}
}

func (c *SchedulerCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run due proactive agents until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			once, err := cmd.Flags().GetBool("once")
			if err != nil {
				return fmt.Errorf("failed to get once flag: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return c.opts.withService(ctx, func(ctx context.Context, a *app) error {
				if once {
					reports := a.scheduler.Tick(ctx)
					fmt.Fprintf(cmd.OutOrStdout(), "ran %d agents\n", len(reports))
					return nil
				}
				return a.scheduler.Run(ctx)
			})
		},
	}

	cmd.Flags().Bool("once", false, "run one batch of due agents and exit")

	return cmd
}
