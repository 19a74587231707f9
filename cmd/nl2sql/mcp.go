package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/nl2sql/pkg/mcpserver"
)

type MCPCmd struct {
	opts *rootOptions
}

func NewMCPCmd(opts *rootOptions) *MCPCmd {
	return &MCPCmd{opts: opts}
}

func (c *MCPCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the ask and list_alerts tools over MCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, err := cmd.Flags().GetString("listen")
			if err != nil {
				return fmt.Errorf("failed to get listen flag: %w", err)
			}
			withScheduler, err := cmd.Flags().GetBool("with-scheduler")
			if err != nil {
				return fmt.Errorf("failed to get with-scheduler flag: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return c.opts.withService(ctx, func(ctx context.Context, a *app) error {
				srv, err := mcpserver.New(mcpserver.Config{
					Logger:     a.log,
					Version:    version,
					Asker:      a.pipeline,
					Alerts:     a.agents,
					ListenAddr: listen,
				})
				if err != nil {
					return err
				}

				if _, err := a.indexer.EnsureIndexed(ctx); err != nil {
					a.log.Warn("mcp: schema index unavailable, retrieval will fall back", "error", err)
				}

				if withScheduler {
					errCh := make(chan error, 1)
					go func() { errCh <- a.scheduler.Run(ctx) }()
					defer func() {
						a.scheduler.Stop()
						<-errCh
					}()
				}

				if listen == "" {
					return srv.RunStdio(ctx)
				}
				return srv.Serve(ctx)
			})
		},
	}

	cmd.Flags().String("listen", "", "serve streamable HTTP on this address instead of stdio")
	cmd.Flags().Bool("with-scheduler", false, "also run due proactive agents in the background")

	return cmd
}
