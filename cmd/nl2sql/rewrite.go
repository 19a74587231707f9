package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/nl2sql/pkg/dialect"
	"github.com/malbeclabs/nl2sql/pkg/logger"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore"
	"github.com/malbeclabs/nl2sql/pkg/validator"
)

// RewriteCmd runs the dialect rules and the optimizer locally without a
// warehouse, which is handy when tuning rules against captured SQL.
type RewriteCmd struct {
	opts *rootOptions
}

func NewRewriteCmd(opts *rootOptions) *RewriteCmd {
	return &RewriteCmd{opts: opts}
}

func (c *RewriteCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rewrite [sql]",
		Short: "Apply dialect rewrites and optimizations to SQL read from the argument or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question, err := cmd.Flags().GetString("question")
			if err != nil {
				return fmt.Errorf("failed to get question flag: %w", err)
			}
			var sql string
			if len(args) == 1 {
				sql = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read sql from stdin: %w", err)
				}
				sql = string(data)
			}
			sql = strings.TrimSpace(sql)
			if sql == "" {
				return fmt.Errorf("no sql given")
			}
			return c.run(cmd.Context(), cmd.OutOrStdout(), question, sql)
		},
	}

	cmd.Flags().String("question", "", "the question the SQL answers; enables question-aware rules")

	return cmd
}

func (c *RewriteCmd) run(ctx context.Context, w io.Writer, question, sql string) error {
	rw := dialect.New(dialect.Config{}).Rewrite(question, sql)

	// Every query is accepted, so the optimizer's re-validation always passes.
	v, err := validator.New(validator.Config{Logger: logger.New(c.opts.verbose), Store: &sqlstore.FuncStore{}})
	if err != nil {
		return err
	}
	opt, err := v.Optimize(ctx, rw.SQL, validator.Validation{Valid: true})
	if err != nil {
		return err
	}

	fmt.Fprintln(w, opt.SQL)
	if len(rw.Applied) > 0 {
		fmt.Fprintf(w, "\nrewrites: %s\n", strings.Join(rw.Applied, ", "))
	}
	if opt.Swapped {
		fmt.Fprintf(w, "optimizations: %s\n\n%s", strings.Join(opt.Applied, ", "), opt.Diff)
	}
	return nil
}
