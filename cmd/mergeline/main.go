package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mergeline/internal/app"
	"mergeline/internal/db"
	"mergeline/internal/lock"
	"mergeline/internal/logging"
	mergelinesdk "mergeline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "mergeline",
	Short: "mergeline CLI",
	Long: `mergeline drives an issue to a merged pull request and keeps the journey reliable.
- Session: one issue's run, from created through planning, implementing, PR, CI and review to merged.
- Event log: every fact is stored before anything reacts to it; view it with 'mergeline log tail'.
- Reactions: rules in mergeline.yml decide what happens on CI failures, review comments and stuck sessions.
- Sagas: multi-step side effects (branch, agent, push, PR) that roll back cleanly when a step fails.
- Dead letters: notifications that could not be delivered yet; 'mergeline dlq' inspects and drains them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MERGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.StringP("config", "c", "", "config file (default <workspace>/mergeline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	flags.String("server", "", "send session start and log append to a running server at this URL")
	flags.String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "config", "json", "log-level", "log-format", "server", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(dlqCmd())
	rootCmd.AddCommand(sagaCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(breakerCmd())
	rootCmd.AddCommand(tokenCmd())
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	logger, _, err := logging.New(logging.Options{
		Level:  viper.GetString("log-level"),
		Format: viper.GetString("log-format"),
	})
	return logger, err
}

func lockPath(workspace string) string {
	return filepath.Join(filepath.Dir(db.Path(workspace)), "mergeline.lock")
}

// withRuntime opens the workspace runtime. Mutating commands pass live: they
// take the workspace lock, so they refuse to run beside a server, and they
// attach the reaction engine so facts they record are reacted to before the
// command returns.
func withRuntime(ctx context.Context, live bool, fn func(context.Context, *app.Runtime) error) error {
	workspace := viper.GetString("workspace")
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if live {
		fl := lock.NewFileLock(lockPath(workspace))
		if err := fl.TryLock(); err != nil {
			if pid, perr := lock.ReadPID(lockPath(workspace)); perr == nil {
				return fmt.Errorf("workspace in use by pid %d; pass --server to reach it: %w", pid, err)
			}
			return err
		}
		defer fl.Unlock()
	}
	rt, err := app.Open(ctx, app.Options{
		Workspace:  workspace,
		ConfigPath: viper.GetString("config"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	if live {
		if err := rt.Start(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, rt)
}

// remote returns an API client when --server is set.
func remote() (*mergelinesdk.Client, bool) {
	addr := strings.TrimSpace(viper.GetString("server"))
	if addr == "" {
		return nil, false
	}
	return mergelinesdk.New(addr, viper.GetString("token")), true
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
