package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mergeline/internal/app"
	"mergeline/internal/domain"
	"mergeline/internal/events"
	"mergeline/internal/reaction"
	"mergeline/internal/repo"
	"mergeline/internal/saga"
	mergelinesdk "mergeline/sdk/go"
)

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect and append to the event log"}
	l.AddCommand(logTailCmd())
	l.AddCommand(logAppendCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f events.Filter
	var types, sessionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Types = splitList(types)
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				if sessionID != "" {
					s, err := rt.Sessions.Get(ctx, sessionID)
					if err != nil {
						return err
					}
					f.CorrelationID = s.CorrelationID
				}
				items, err := rt.Log.Tail(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "At", "Type", "Correlation", "Payload")
				for _, evt := range items {
					payload, _ := json.Marshal(evt.Payload)
					tw.AppendRow(table.Row{evt.ID, evt.OccurredAt.Format(time.RFC3339), evt.Type, evt.CorrelationID, string(payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&types, "type", "", "comma separated event types")
	cmd.Flags().StringVar(&f.CorrelationID, "correlation-id", "", "correlation id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	return cmd
}

func logAppendCmd() *cobra.Command {
	var evt events.Event
	var sessionID, payload string
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Record an external fact, e.g. ci.failed, and run its reactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
				delete(evt.Payload, events.KeyTransition)
			}
			if client, ok := remote(); ok {
				res, err := client.PostFact(cmd.Context(), mergelinesdk.Fact{
					Type:          evt.Type,
					CorrelationID: evt.CorrelationID,
					SessionID:     sessionID,
					RequestID:     evt.RequestID,
					Payload:       evt.Payload,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				if sessionID != "" {
					s, err := rt.Sessions.Get(ctx, sessionID)
					if err != nil {
						return err
					}
					evt.CorrelationID = s.CorrelationID
				}
				stored, err := rt.Log.Append(ctx, evt)
				if errors.Is(err, events.ErrDuplicate) {
					fmt.Printf("duplicate request id; event %d already recorded\n", stored.ID)
					return nil
				}
				if err != nil {
					return err
				}
				rt.Log.Wait()
				return printJSONOrTable(stored)
			})
		},
	}
	cmd.Flags().StringVar(&evt.Type, "type", "", "event type")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&evt.CorrelationID, "correlation-id", "", "correlation id")
	cmd.Flags().StringVar(&evt.RequestID, "request-id", "", "delivery id for deduplication")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON object payload")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func dlqCmd() *cobra.Command {
	d := &cobra.Command{Use: "dlq", Short: "Inspect and drain the dead-letter queue"}
	d.AddCommand(dlqListCmd())
	d.AddCommand(dlqDrainCmd())
	d.AddCommand(dlqRetryCmd())
	return d
}

func dlqListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.DeadLetters.List(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Destination", "Correlation", "Attempts", "Next retry", "Last error")
				for _, dl := range items {
					tw.AppendRow(table.Row{dl.ID, dl.Destination, dl.CorrelationID, dl.Attempts, dl.NextRetryAt.Format(time.RFC3339), dl.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func dlqDrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Attempt every due delivery now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.DeadLetters.DrainDue(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func dlqRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Make a delivery due immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				return rt.DeadLetters.Retry(ctx, args[0])
			})
		},
	}
	return cmd
}

func sagaCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "saga",
		Short: "Inspect saga runs and settle abandoned ones",
		Long:  "A run left mid-flight by a crash is abandoned. Resume re-executes its first incomplete step; abort compensates the completed steps.",
	}
	s.AddCommand(sagaListCmd())
	s.AddCommand(sagaSettleCmd("resume", "Resume an abandoned saga", (*saga.Executor).Resume))
	s.AddCommand(sagaSettleCmd("abort", "Compensate an abandoned saga", (*saga.Executor).Abort))
	return s
}

func sagaListCmd() *cobra.Command {
	var statuses string
	var f repo.SagaFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saga runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, st := range splitList(statuses) {
				f.Statuses = append(f.Statuses, domain.SagaStatus(st))
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Sessions.Repo.ListSagas(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printSagas(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&statuses, "status", "", "comma separated statuses")
	cmd.Flags().StringVar(&f.CorrelationID, "correlation-id", "", "correlation id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func sagaSettleCmd(use, short string, settle func(*saga.Executor, context.Context, string) (domain.SagaRecord, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				rec, err := settle(rt.Sagas, ctx, args[0])
				var stepErr *saga.StepError
				if err != nil && !errors.As(err, &stepErr) {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func printSagas(items []domain.SagaRecord) {
	tw := newTable("ID", "Saga", "Correlation", "Status", "Completed", "Error")
	for _, rec := range items {
		tw.AppendRow(table.Row{rec.ID, rec.Name, rec.CorrelationID, rec.Status, strings.Join(rec.Completed, ","), rec.Error})
	}
	tw.Render()
}

func rulesCmd() *cobra.Command {
	r := &cobra.Command{Use: "rules", Short: "Reaction rules"}
	r.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the reaction table and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			t, err := reaction.FromConfig(cfg)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			names := make([]string, 0, len(t.Rules))
			for name := range t.Rules {
				names = append(names, name)
			}
			sort.Strings(names)
			if viper.GetBool("json") {
				type row struct {
					Event      string        `json:"event"`
					Action     string        `json:"action"`
					MaxRetries int           `json:"max_retries,omitempty"`
					StuckAfter time.Duration `json:"stuck_after,omitempty"`
				}
				out := make([]row, 0, len(names))
				for _, name := range names {
					rule := t.Rules[name]
					out = append(out, row{Event: name, Action: rule.Action.Name(), MaxRetries: rule.MaxRetries, StuckAfter: rule.StuckAfter})
				}
				return printJSON(out)
			}
			fmt.Printf("%s: %d rules, stuck after %s, auto merge %t\n", path, len(names), t.StuckAfter, t.AutoMerge)
			tw := newTable("Event", "Action", "Max retries", "Stuck after")
			for _, name := range names {
				rule := t.Rules[name]
				stuck := ""
				if rule.StuckAfter > 0 {
					stuck = rule.StuckAfter.String()
				}
				tw.AppendRow(table.Row{name, rule.Action.Name(), rule.MaxRetries, stuck})
			}
			tw.Render()
			return nil
		},
	})
	return r
}

func breakerCmd() *cobra.Command {
	b := &cobra.Command{Use: "breaker", Short: "Circuit breakers"}
	b.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show configured breaker thresholds; live state is on GET /v0/breakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			settings := app.BreakerSettings(cfg)
			sort.Slice(settings, func(i, j int) bool { return settings[i].Name < settings[j].Name })
			if viper.GetBool("json") {
				return printJSON(settings)
			}
			tw := newTable("Target", "Threshold", "Cooldown", "Call timeout")
			for _, s := range settings {
				tw.AppendRow(table.Row{s.Name, s.Threshold, s.Cooldown, s.CallTimeout})
			}
			tw.Render()
			return nil
		},
	})
	return b
}
