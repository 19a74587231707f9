package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type IndexCmd struct {
	opts *rootOptions
}

func NewIndexCmd(opts *rootOptions) *IndexCmd {
	return &IndexCmd{opts: opts}
}

func (c *IndexCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Embed warehouse table schemas into the vector store",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return fmt.Errorf("failed to get force flag: %w", err)
			}
			return c.opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if force {
					n, err := a.indexer.Index(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "indexed %d tables\n", n)
				} else {
					reindexed, err := a.indexer.EnsureIndexed(ctx)
					if err != nil {
						return err
					}
					if reindexed {
						fmt.Fprintln(cmd.OutOrStdout(), "schema changed, index rebuilt")
					} else {
						fmt.Fprintln(cmd.OutOrStdout(), "index is up to date")
					}
				}
				if !a.resolver.Load(ctx) {
					a.log.Warn("index: knowledge graph not loaded, falling back to the built-in hierarchy")
				}
				return nil
			})
		},
	}

	cmd.Flags().Bool("force", false, "rebuild the index even if the schema is unchanged")

	return cmd
}
