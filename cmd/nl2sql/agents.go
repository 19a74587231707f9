package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/nl2sql/pkg/proactive"
)

type AgentsCmd struct {
	opts *rootOptions
}

func NewAgentsCmd(opts *rootOptions) *AgentsCmd {
	return &AgentsCmd{opts: opts}
}

func (c *AgentsCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage proactive monitoring agents and their alerts",
	}
	cmd.AddCommand(
		c.createCmd(),
		c.listCmd(),
		c.runCmd(),
		c.refineCmd(),
		c.toggleCmd("enable", true),
		c.toggleCmd("disable", false),
		c.deleteCmd(),
		c.versionsCmd(),
		c.executionsCmd(),
		c.alertsCmd(),
		c.alertStatusCmd("ack", "Acknowledge an active alert"),
		c.alertStatusCmd("resolve", "Resolve an alert"),
		c.feedbackCmd(),
	)
	return cmd
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

func (c *AgentsCmd) createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <question>",
		Short: "Generate an agent from a question, preview its result and save it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := proactive.Draft{Question: strings.Join(args, " ")}
			var err error
			if d.UserID, err = cmd.Flags().GetString("user"); err != nil {
				return fmt.Errorf("failed to get user flag: %w", err)
			}
			if d.Name, err = cmd.Flags().GetString("name"); err != nil {
				return fmt.Errorf("failed to get name flag: %w", err)
			}
			if d.AlertCondition, err = cmd.Flags().GetString("condition"); err != nil {
				return fmt.Errorf("failed to get condition flag: %w", err)
			}
			if d.DataSource, err = cmd.Flags().GetString("data-source"); err != nil {
				return fmt.Errorf("failed to get data-source flag: %w", err)
			}
			severity, err := cmd.Flags().GetString("severity")
			if err != nil {
				return fmt.Errorf("failed to get severity flag: %w", err)
			}
			d.Severity = proactive.Severity(severity)
			frequency, err := cmd.Flags().GetString("frequency")
			if err != nil {
				return fmt.Errorf("failed to get frequency flag: %w", err)
			}
			d.Frequency = proactive.Frequency(frequency)
			dryRun, err := cmd.Flags().GetBool("dry-run")
			if err != nil {
				return fmt.Errorf("failed to get dry-run flag: %w", err)
			}

			return c.opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				agent, resp, err := a.agents.CreateFromNL(ctx, d)
				if err != nil {
					if resp != nil {
						printResponse(cmd.OutOrStdout(), resp)
					}
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintln(w, agent.SQL)
				fmt.Fprintln(w)
				if len(agent.LastResult) > 0 {
					renderRows(w, nil, agent.LastResult)
				}
				if dryRun {
					fmt.Fprintln(w, "dry run, agent not saved")
					return nil
				}
				if err := a.agents.Save(ctx, agent); err != nil {
					return err
				}
				fmt.Fprintf(w, "saved agent %s, next run %s\n", agent.ID, agent.NextRun.Format(time.RFC3339))
				return nil
			})
		},
	}

	cmd.Flags().String("user", "", "owner of the agent")
	cmd.Flags().String("name", "", "agent name (defaults to the question)")
	cmd.Flags().String("condition", "", "alert condition, e.g. \"pct_change < -10\"")
	cmd.Flags().String("data-source", "", "data source label")
	cmd.Flags().String("severity", string(proactive.SeverityMedium), "low, medium or high")
	cmd.Flags().String("frequency", string(proactive.FrequencyDaily), "real-time, hourly, daily, weekly or monthly")
	cmd.Flags().Bool("dry-run", false, "preview without saving")

	return cmd
}

func (c *AgentsCmd) listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := cmd.Flags().GetString("user")
			if err != nil {
				return fmt.Errorf("failed to get user flag: %w", err)
			}
			return c.opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				agents, err := a.agents.List(ctx, user)
				if err != nil {
					return err
				}
				printAgents(cmd.OutOrStdout(), agents)
				return nil
			})
		},
	}
	cmd.Flags().String("user", "", "only this user's agents")
	return cmd
}

func printAgents(w io.Writer, agents []*proactive.Agent) {
	table := newTable(w, []string{"ID", "Name", "Frequency", "Severity", "Enabled", "Condition", "Next Run", "Version", "TP/FP"})
	for _, ag := range agents {
		table.Append([]string{
			ag.ID.String(),
			ag.Name,
			string(ag.Frequency),
			string(ag.Severity),
			strconv.FormatBool(ag.Enabled),
			orDash(ag.AlertCondition),
			ag.NextRun.Format(time.RFC3339),
			strconv.Itoa(ag.QueryVersion),
			fmt.Sprintf("%d/%d", ag.TruePositives, ag.FalsePositives),
		})
	}
	table.Render()
}

func (c *AgentsCmd) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <agent-id>",
		Short: "Run an agent now without moving its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				report, err := a.agents.ExecuteNow(ctx, id)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				exec := report.Execution
				fmt.Fprintf(w, "outcome: %s  rows: %d  duration: %s\n", exec.Outcome, exec.RowCount, exec.Duration)
				if exec.Error != "" {
					fmt.Fprintf(w, "error: %s\n", exec.Error)
				}
				if report.Alert != nil {
					fmt.Fprintf(w, "alert %s: %s\n%s\n", report.Alert.ID, report.Alert.Title, report.Alert.Message)
				}
				if len(report.Rows) > 0 {
					renderRows(w, nil, report.Rows)
				}
				return nil
			})
		},
	}
}

func (c *AgentsCmd) refineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refine <agent-id> <feedback>",
		Short: "Revise an agent's SQL from feedback",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			feedback := strings.Join(args[1:], " ")
			return c.opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				ref, err := a.agents.Refine(ctx, id, feedback)
				if ref != nil {
					w := cmd.OutOrStdout()
					fmt.Fprintln(w, ref.SQL)
					fmt.Fprintln(w)
					if ref.Explanation != "" {
						fmt.Fprintln(w, ref.Explanation)
					}
					switch {
					case !ref.Validation.Valid:
						fmt.Fprintf(w, "rejected (%s): %s\n", ref.Validation.ErrorKind, ref.Validation.Error)
					case err == nil:
						renderRows(w, nil, ref.Preview)
						fmt.Fprintf(w, "%d rows; saved as version %d\n", ref.RowCount, ref.Agent.QueryVersion)
					}
				}
				return err
			})
		},
	}
}

func (c *AgentsCmd) toggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <agent-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				ag, err := a.agents.Toggle(ctx, id, enabled)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "agent %s enabled=%t next_run=%s\n", ag.ID, ag.Enabled, ag.NextRun.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func (c *AgentsCmd) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <agent-id>",
		Short: "Delete an agent with its history and alerts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.agents.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted agent %s\n", id)
				return nil
			})
		},
	}
}

func (c *AgentsCmd) versionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <agent-id>",
		Short: "Show an agent's SQL history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				versions, err := a.agents.ListVersions(ctx, id)
				if err != nil {
					return err
				}
				table := newTable(cmd.OutOrStdout(), []string{"Version", "Created", "Feedback", "SQL"})
				for _, v := range versions {
					table.Append([]string{strconv.Itoa(v.Version), v.CreatedAt.Format(time.RFC3339), orDash(v.Feedback), v.SQL})
				}
				table.Render()
				return nil
			})
		},
	}
}

func (c *AgentsCmd) executionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions <agent-id>",
		Short: "Show an agent's recent runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
			}
			return c.opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				execs, err := a.agents.ListExecutions(ctx, id, limit)
				if err != nil {
					return err
				}
				table := newTable(cmd.OutOrStdout(), []string{"Started", "Outcome", "Rows", "Duration", "Alert", "Error"})
				for _, e := range execs {
					alert := "-"
					if e.AlertID != nil {
						alert = e.AlertID.String()
					}
					table.Append([]string{
						e.StartedAt.Format(time.RFC3339),
						string(e.Outcome),
						strconv.Itoa(e.RowCount),
						e.Duration.String(),
						alert,
						orDash(e.Error),
					})
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}

func (c *AgentsCmd) alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f proactive.AlertFilter
			var err error
			if f.UserID, err = cmd.Flags().GetString("user"); err != nil {
				return fmt.Errorf("failed to get user flag: %w", err)
			}
			agent, err := cmd.Flags().GetString("agent")
			if err != nil {
				return fmt.Errorf("failed to get agent flag: %w", err)
			}
			if agent != "" {
				if f.AgentID, err = parseID(agent); err != nil {
					return err
				}
			}
			status, err := cmd.Flags().GetString("status")
			if err != nil {
				return fmt.Errorf("failed to get status flag: %w", err)
			}
			f.Status = proactive.AlertStatus(status)
			if f.Limit, err = cmd.Flags().GetInt("limit"); err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
			}

			return c.opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				alerts, err := a.agents.ListAlerts(ctx, f)
				if err != nil {
					return err
				}
				table := newTable(cmd.OutOrStdout(), []string{"ID", "Agent", "Severity", "Status", "Triggered", "Title", "Feedback"})
				for _, al := range alerts {
					table.Append([]string{
						al.ID.String(),
						al.AgentID.String(),
						string(al.Severity),
						string(al.Status),
						al.TriggeredAt.Format(time.RFC3339),
						al.Title,
						orDash(al.UserFeedback),
					})
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.Flags().String("user", "", "only this user's alerts")
	cmd.Flags().String("agent", "", "only this agent's alerts")
	cmd.Flags().String("status", "", "active, acknowledged or resolved")
	cmd.Flags().Int("limit", 50, "maximum alerts to show")
	return cmd
}

func (c *AgentsCmd) alertStatusCmd(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <alert-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var al *proactive.Alert
				if use == "ack" {
					al, err = a.agents.AcknowledgeAlert(ctx, id)
				} else {
					al, err = a.agents.ResolveAlert(ctx, id)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "alert %s is %s\n", al.ID, al.Status)
				return nil
			})
		},
	}
}

func (c *AgentsCmd) feedbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback <alert-id> [comment]",
		Short: "Mark an alert as a true or false positive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			falsePositive, err := cmd.Flags().GetBool("false-positive")
			if err != nil {
				return fmt.Errorf("failed to get false-positive flag: %w", err)
			}
			comment := strings.Join(args[1:], " ")
			return c.opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.agents.RecordFeedback(ctx, id, !falsePositive, comment); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "feedback recorded")
				return nil
			})
		},
	}
	cmd.Flags().Bool("false-positive", false, "the alert should not have fired")
	return cmd
}
