package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mergeline/internal/app"
	"mergeline/internal/domain"
	"mergeline/internal/engine"
	"mergeline/internal/lifecycle"
	"mergeline/internal/repo"
)

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
		Long:  "A session carries one issue to a merged PR. States go created -> planning -> implementing -> pr_created -> ci_running -> ci_passed -> review -> merged, looping back to implementing on CI failures and requested changes; escalated, failed and cancelled are exits.",
	}
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionCancelCmd())
	s.AddCommand(sessionResumeCmd())
	s.AddCommand(sessionDeleteCmd())
	s.AddCommand(sessionRebuildCmd())
	return s
}

func sessionStartCmd() *cobra.Command {
	var req engine.StartRequest
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session for an issue",
		Long:  "Start a session and run its reactions in the foreground. When an agent command is configured the first implementation pass runs before this returns.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if client, ok := remote(); ok {
				s, err := client.StartSession(cmd.Context(), req.IssueRef, req.Branch)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Sessions.Start(ctx, req)
				if err != nil {
					return err
				}
				rt.Log.Wait()
				if latest, err := rt.Sessions.Get(ctx, s.ID); err == nil {
					s = latest
				}
				return printSessions([]domain.Session{s})
			})
		},
	}
	cmd.Flags().StringVar(&req.IssueRef, "issue", "", "issue reference, e.g. acme/api#42")
	cmd.Flags().StringVar(&req.Branch, "branch", "", "work branch")
	cmd.Flags().StringVar(&req.Workspace, "dir", "", "checkout directory for the agent")
	_ = cmd.MarkFlagRequired("issue")
	_ = cmd.MarkFlagRequired("branch")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var states string
	var f repo.SessionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range splitList(states) {
				st := lifecycle.State(raw)
				if !st.Valid() {
					return fmt.Errorf("invalid state %q", raw)
				}
				f.States = append(f.States, st)
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Sessions.List(ctx, f)
				if err != nil {
					return err
				}
				return printSessions(items)
			})
		},
	}
	cmd.Flags().StringVar(&states, "state", "", "comma separated states")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "only non-terminal sessions")
	cmd.Flags().StringVar(&f.Branch, "branch", "", "branch filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session with its counters and sagas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Sessions.Get(ctx, args[0])
				if err != nil {
					return err
				}
				counters, err := rt.Sessions.Repo.ListCounters(ctx, s.ID)
				if err != nil {
					return err
				}
				sagas, err := rt.Sessions.Repo.ListSagas(ctx, repo.SagaFilters{CorrelationID: s.CorrelationID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session": s, "counters": counters, "sagas": sagas})
				}
				fmt.Printf("Session %s (%s)\n", s.ID, s.State)
				fmt.Printf("  issue:    %s\n", s.IssueRef)
				fmt.Printf("  branch:   %s\n", s.Branch)
				fmt.Printf("  attempts: ci=%d review=%d\n", s.CIAttempts, s.ReviewAttempts)
				fmt.Printf("  active:   %s\n", s.LastActivityAt.Format(time.RFC3339))
				if s.Outcome != nil {
					fmt.Printf("  outcome:  %s\n", *s.Outcome)
				}
				if len(counters) > 0 {
					tw := newTable("Event", "Count", "Updated")
					for _, c := range counters {
						tw.AppendRow(table.Row{c.EventType, c.Count, c.UpdatedAt.Format(time.RFC3339)})
					}
					tw.Render()
				}
				if len(sagas) > 0 {
					printSagas(sagas)
				}
				return nil
			})
		},
	}
	return cmd
}

func sessionCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a session and stop its in-flight work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Sessions.Cancel(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printSessions([]domain.Session{s})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the session was cancelled")
	return cmd
}

func sessionResumeCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume an escalated session with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Sessions.Resume(ctx, args[0], note)
				if err != nil {
					return err
				}
				return printSessions([]domain.Session{s})
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "operator note recorded with the resume")
	return cmd
}

func sessionDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session; its events stay in the log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				return rt.Sessions.Delete(ctx, args[0])
			})
		},
	}
	return cmd
}

func sessionRebuildCmd() *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "rebuild <id>",
		Short: "Replay a session's events and compare with its stored state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), repair, func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Sessions.Rebuild(ctx, args[0], repair)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "overwrite drifted state with the replayed state")
	return cmd
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printSessions(items []domain.Session) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Issue", "Branch", "State", "CI", "Review", "Last activity")
	for _, s := range items {
		state := string(s.State)
		if s.Outcome != nil && *s.Outcome != "" {
			state += " (" + strings.TrimSpace(*s.Outcome) + ")"
		}
		tw.AppendRow(table.Row{s.ID, s.IssueRef, s.Branch, state, s.CIAttempts, s.ReviewAttempts, s.LastActivityAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}
