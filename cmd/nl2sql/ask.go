package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/malbeclabs/nl2sql/pkg/pipeline"
)

type AskCmd struct {
	opts *rootOptions
}

func NewAskCmd(opts *rootOptions) *AskCmd {
	return &AskCmd{opts: opts}
}

func (c *AskCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Translate a question into SQL and optionally run it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, asJSON, err := askRequest(cmd.Flags(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return c.opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				resp, err := a.pipeline.Ask(ctx, req)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				printResponse(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}

	cmd.Flags().Bool("execute", false, "run the generated SQL")
	cmd.Flags().Int("max-tables", 0, "maximum tables to retrieve (0 uses the default)")
	cmd.Flags().Bool("force-refresh", false, "bypass cached answers")
	cmd.Flags().Bool("no-vector-search", false, "use the first tables instead of semantic retrieval")
	cmd.Flags().String("conversation", "", "conversation id for follow-up questions")
	cmd.Flags().Bool("json", false, "print the full response as JSON")

	return cmd
}

func askRequest(flags *pflag.FlagSet, question string) (pipeline.Request, bool, error) {
	req := pipeline.Request{Question: question, Options: pipeline.DefaultOptions()}
	var err error
	if req.Options.Execute, err = flags.GetBool("execute"); err != nil {
		return req, false, fmt.Errorf("failed to get execute flag: %w", err)
	}
	maxTables, err := flags.GetInt("max-tables")
	if err != nil {
		return req, false, fmt.Errorf("failed to get max-tables flag: %w", err)
	}
	if maxTables > 0 {
		req.Options.MaxTables = maxTables
	}
	if req.Options.ForceRefresh, err = flags.GetBool("force-refresh"); err != nil {
		return req, false, fmt.Errorf("failed to get force-refresh flag: %w", err)
	}
	noVector, err := flags.GetBool("no-vector-search")
	if err != nil {
		return req, false, fmt.Errorf("failed to get no-vector-search flag: %w", err)
	}
	req.Options.UseVectorSearch = !noVector
	if req.ConversationID, err = flags.GetString("conversation"); err != nil {
		return req, false, fmt.Errorf("failed to get conversation flag: %w", err)
	}
	asJSON, err := flags.GetBool("json")
	if err != nil {
		return req, false, fmt.Errorf("failed to get json flag: %w", err)
	}
	return req, asJSON, nil
}

func printResponse(w io.Writer, resp *pipeline.Response) {
	if resp.Error != "" {
		fmt.Fprintf(w, "error (%s): %s\n", resp.ErrorKind, resp.Error)
		if resp.CorrectionError != "" {
			fmt.Fprintf(w, "correction failed: %s\n", resp.CorrectionError)
		}
		if d := resp.ErrorDetails; d != nil {
			if d.Message != "" {
				fmt.Fprintln(w, d.Message)
			}
			for _, s := range d.Suggestions {
				fmt.Fprintln(w, "  - "+s)
			}
			for _, q := range d.ClarifyingQuestions {
				fmt.Fprintln(w, "  ? "+q)
			}
		}
		if resp.SQL == "" {
			return
		}
	}

	fmt.Fprintln(w, resp.SQL)
	fmt.Fprintln(w)
	if resp.Explanation != "" {
		fmt.Fprintln(w, resp.Explanation)
	}
	fmt.Fprintf(w, "tables: %s  complexity: %s  confidence: %.2f  cached: %t\n",
		orDash(strings.Join(resp.TablesUsed, ", ")), orDash(string(resp.EstimatedComplexity)), resp.ConfidenceScore, resp.FromCache)
	if len(resp.Optimizations) > 0 {
		fmt.Fprintf(w, "optimizations: %s\n", strings.Join(resp.Optimizations, ", "))
	}

	exec := resp.Execution
	if exec == nil {
		return
	}
	if exec.Error != "" {
		fmt.Fprintf(w, "execution failed (%s): %s\n", exec.ErrorKind, exec.Error)
		return
	}
	fmt.Fprintln(w)
	renderRows(w, exec.Columns, exec.Rows)
	fmt.Fprintf(w, "%d rows in %dms\n", exec.RowCount, exec.PerformanceStats.ExecutionTimeMS)
}
