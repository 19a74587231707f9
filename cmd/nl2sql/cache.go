package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/nl2sql/config"
	"github.com/malbeclabs/nl2sql/pkg/cache"
	"github.com/malbeclabs/nl2sql/pkg/logger"
)

type CacheCmd struct {
	opts *rootOptions
}

func NewCacheCmd(opts *rootOptions) *CacheCmd {
	return &CacheCmd{opts: opts}
}

func (c *CacheCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and invalidate the query cache",
	}
	cmd.AddCommand(c.statsCmd(), c.popularCmd(), c.invalidateCmd())
	return cmd
}

// withCache builds only the cache, so these commands work without warehouse
// or LLM credentials.
func (c *CacheCmd) withCache(ctx context.Context, fn func(ctx context.Context, s *cache.Store) error) error {
	cfg, err := config.Load(c.opts.configPath)
	if err != nil {
		return err
	}
	a := &app{log: logger.New(c.opts.verbose), cfg: cfg, clock: clockwork.NewRealClock()}
	defer a.close()
	if err := a.initCache(ctx); err != nil {
		return err
	}
	return fn(ctx, a.cache)
}

func (c *CacheCmd) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show live key counts per prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withCache(cmd.Context(), func(ctx context.Context, s *cache.Store) error {
				counts, err := s.Counts(ctx)
				if err != nil {
					return err
				}
				table := newTable(cmd.OutOrStdout(), []string{"Prefix", "Keys"})
				for _, p := range cache.Prefixes {
					table.Append([]string{p.Label(), strconv.Itoa(counts[p])})
				}
				table.Render()
				return nil
			})
		},
	}
}

func (c *CacheCmd) popularCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "popular",
		Short: "Show the most reused cached answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
			}
			return c.withCache(cmd.Context(), func(ctx context.Context, s *cache.Store) error {
				entries, err := s.Popular(ctx, limit)
				if err != nil {
					return err
				}
				table := newTable(cmd.OutOrStdout(), []string{"Key", "Hits", "Cached At", "TTL"})
				for _, e := range entries {
					table.Append([]string{
						e.Key,
						strconv.FormatInt(e.HitCount, 10),
						e.CachedAt.Format(time.RFC3339),
						e.TTLRemaining.Round(time.Second).String(),
					})
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 10, "number of entries to show")
	return cmd
}

func (c *CacheCmd) invalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <prefix> [selector]",
		Short: "Delete cached keys under a prefix (sql, schema, embedding, validation, result, ...)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, ok := parsePrefix(args[0])
			if !ok {
				return fmt.Errorf("unknown cache prefix %q", args[0])
			}
			selector := ""
			if len(args) == 2 {
				selector = args[1]
			}
			return c.withCache(cmd.Context(), func(ctx context.Context, s *cache.Store) error {
				n, err := s.Invalidate(ctx, prefix, selector)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d keys\n", n)
				return nil
			})
		},
	}
}

func parsePrefix(s string) (cache.Prefix, bool) {
	for _, p := range cache.Prefixes {
		if s == p.Label() || s == p.String() {
			return p, true
		}
	}
	return "", false
}
