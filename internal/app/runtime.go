// Package app wires the components into one runtime: it opens the store,
// builds every component once and runs the background loops.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mergeline/internal/breaker"
	"mergeline/internal/capability"
	"mergeline/internal/capability/agentcli"
	"mergeline/internal/capability/gitcli"
	"mergeline/internal/config"
	"mergeline/internal/db"
	"mergeline/internal/deadletter"
	"mergeline/internal/engine"
	"mergeline/internal/events"
	"mergeline/internal/migrate"
	"mergeline/internal/notify"
	"mergeline/internal/reaction"
	"mergeline/internal/saga"
	"mergeline/internal/workflow"
)

// Options override the adapters built from config. Zero values mean "build
// from config".
type Options struct {
	Workspace  string
	ConfigPath string
	Logger     *zap.Logger
	Agent      capability.Agent
	Source     capability.SourceControl
	Host       capability.CodeHost
	Deliverer  deadletter.Deliverer
}

type Runtime struct {
	DB          *sql.DB
	ConfigPath  string
	Log         *events.Log
	Sessions    engine.Engine
	Sagas       *saga.Executor
	Breakers    *breaker.Registry
	DeadLetters *deadletter.Queue
	Notifier    *deadletter.Notifier
	Reactions   *reaction.Engine
	Workflows   *workflow.Workflows
	Webhooks    *notify.HTTP
	Logger      *zap.Logger

	mu          sync.RWMutex
	cfg         *config.Config
	unsubscribe func()
}

// Open builds a runtime over the workspace database. Nothing runs until
// Start and Run.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	path, cfg, err := ResolveConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rt := &Runtime{DB: conn, ConfigPath: path, Logger: logger, cfg: cfg}
	rt.Log = events.New(conn, logger)
	rt.Sessions = engine.New(conn, rt.Log, logger)
	rt.Breakers = breaker.NewRegistry(BreakerSettings(cfg), logger.Named("breaker"))

	rt.Webhooks = notify.NewHTTP(cfg.Destinations)
	deliverer := opts.Deliverer
	if deliverer == nil {
		deliverer = rt.Webhooks
	}
	rt.DeadLetters = &deadletter.Queue{
		Repo:     rt.Sessions.Repo,
		Events:   rt.Log,
		Deliver:  deliverer,
		Breakers: rt.Breakers,
		Policy:   DeadLetterPolicy(cfg),
		Logger:   logger.Named("deadletter"),
	}
	rt.Notifier = &deadletter.Notifier{Queue: rt.DeadLetters}

	agent := opts.Agent
	if agent == nil {
		agent = capability.Agent(capability.NoAgent{})
		if cfg.Agent.Command != "" {
			agent = agentcli.New(cfg.Agent.Command, cfg.Agent.Args, cfg.Agent.Env)
		}
	}
	source := opts.Source
	if source == nil {
		source = gitcli.New(cfg.Git.Binary, cfg.Git.Remote, cfg.Git.BaseBranch)
	}
	host := opts.Host
	if host == nil {
		host = capability.NoCodeHost{}
	}
	rt.Workflows = &workflow.Workflows{
		Engine:   rt.Sessions,
		Agent:    agent,
		Source:   source,
		Host:     host,
		Breakers: rt.Breakers,
		Events:   rt.Log,
		Diff:     capability.DiffOptions{Exclude: cfg.Git.DiffExclude, MaxFiles: cfg.Git.DiffMaxFiles},
		Logger:   logger.Named("workflow"),
	}
	defs := saga.NewDefinitions()
	rt.Workflows.Register(defs)
	rt.Sagas = &saga.Executor{Repo: rt.Sessions.Repo, Events: rt.Log, Definitions: defs, Logger: logger.Named("saga")}

	table, err := reaction.FromConfig(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Reactions = reaction.New(rt.Sessions, rt.Sagas, rt.Log, rt.Notifier, table, logger)
	return rt, nil
}

func (rt *Runtime) Config() *config.Config {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.cfg
}

// Reload applies a new config to the parts that can change while running:
// the rule table and the webhook destinations.
func (rt *Runtime) Reload(cfg *config.Config) error {
	table, err := reaction.FromConfig(cfg)
	if err != nil {
		return err
	}
	rt.Reactions.SetRules(table)
	rt.Webhooks.SetDestinations(cfg.Destinations)
	rt.mu.Lock()
	rt.cfg = cfg
	rt.mu.Unlock()
	return nil
}

// Start recovers state left by a previous process and attaches the
// reaction engine to the log.
func (rt *Runtime) Start(ctx context.Context) error {
	if _, err := rt.Sessions.Recover(ctx); err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	report, err := rt.Sagas.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sagas: %w", err)
	}
	if len(report.Compensated)+len(report.Abandoned) > 0 {
		rt.Logger.Warn("sagas recovered",
			zap.Strings("compensated", report.Compensated), zap.Strings("abandoned", report.Abandoned))
	}
	unsubscribe, err := rt.Reactions.Subscribe()
	if err != nil {
		return err
	}
	rt.mu.Lock()
	rt.unsubscribe = unsubscribe
	rt.mu.Unlock()
	return nil
}

// Run drives the dead-letter drain, the stuck sweep and the config watcher
// until ctx is done.
func (rt *Runtime) Run(ctx context.Context) error {
	cfg := rt.Config()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.DeadLetters.Run(gctx, cfg.DeadLetter.DrainInterval)
	})
	g.Go(func() error {
		return rt.Reactions.Run(gctx, cfg.Stuck.SweepInterval)
	})
	g.Go(func() error {
		return config.Watch(gctx, rt.ConfigPath, rt.Logger, func(next *config.Config) {
			if err := rt.Reload(next); err != nil {
				rt.Logger.Warn("config reload rejected", zap.Error(err))
			}
		})
	})
	return g.Wait()
}

// Close lets queued deliveries finish, detaches the reaction engine and
// closes the database.
func (rt *Runtime) Close() error {
	rt.Log.Close()
	rt.mu.Lock()
	unsubscribe := rt.unsubscribe
	rt.unsubscribe = nil
	rt.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	return rt.DB.Close()
}
