// Package breaker protects calls to external capabilities. Each target
// (agent, github, git) has its own breaker; a tripped breaker fails calls
// fast until its cooldown elapses, then lets a single probe through.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrOpen is returned without invoking the operation while a target's
// breaker is open or its half-open probe is in flight.
var ErrOpen = errors.New("circuit open")

const (
	TargetAgent  = "agent"
	TargetGitHub = "github"
	TargetGit    = "git"
)

// Settings configures one target.
type Settings struct {
	Name        string        `json:"name"`
	Threshold   int           `json:"threshold"`
	Cooldown    time.Duration `json:"cooldown"`
	CallTimeout time.Duration `json:"call_timeout"`
}

// Defaults returns the stock thresholds.
func Defaults() []Settings {
	return []Settings{
		{Name: TargetAgent, Threshold: 3, Cooldown: 30 * time.Second, CallTimeout: 30 * time.Minute},
		{Name: TargetGitHub, Threshold: 5, Cooldown: 30 * time.Second, CallTimeout: 30 * time.Second},
		{Name: TargetGit, Threshold: 5, Cooldown: 30 * time.Second, CallTimeout: 2 * time.Minute},
	}
}

func (s Settings) withDefaults() Settings {
	if s.Threshold <= 0 {
		s.Threshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	return s
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Name                string        `json:"name"`
	State               string        `json:"state" enum:"closed,open,half-open"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	Threshold           int           `json:"threshold"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	Cooldown            time.Duration `json:"cooldown"`
	CallTimeout         time.Duration `json:"call_timeout,omitempty"`
}

type target struct {
	settings Settings
	cb       *gobreaker.CircuitBreaker[any]

	mu       sync.Mutex
	openedAt *time.Time
}

// Registry owns every breaker of the process. It is built once at startup
// and passed to the components that call out.
type Registry struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	targets map[string]*target
}

func NewRegistry(settings []Settings, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:  logger.Named("breaker"),
		now:     time.Now,
		targets: make(map[string]*target),
	}
	for _, s := range settings {
		r.targets[s.Name] = r.build(s)
	}
	return r
}

func (r *Registry) build(s Settings) *target {
	s = s.withDefaults()
	t := &target{settings: s}
	threshold := uint32(s.Threshold)
	t.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsExcluded: func(err error) bool {
			var gone *callerGoneError
			return errors.As(err, &gone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.mu.Lock()
			if to == gobreaker.StateOpen {
				at := r.now()
				t.openedAt = &at
			} else if to == gobreaker.StateClosed {
				t.openedAt = nil
			}
			t.mu.Unlock()
			log := r.logger.Info
			if to == gobreaker.StateOpen {
				log = r.logger.Warn
			}
			log("breaker state changed",
				zap.String("target", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return t
}

func (r *Registry) get(name string) *target {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[name]
	if !ok {
		t = r.build(Settings{Name: name})
		r.targets[name] = t
	}
	return t
}

// callerGoneError wraps the result of a call whose caller cancelled or timed
// out. Such calls count neither as a success nor as a failure.
type callerGoneError struct{ err error }

func (e *callerGoneError) Error() string { return e.err.Error() }
func (e *callerGoneError) Unwrap() error { return e.err }

// Execute runs op under the named target's breaker. op receives a context
// bounded by the target's call timeout. A call abandoned by ctx leaves the
// breaker's counts and state untouched.
func Execute[T any](ctx context.Context, r *Registry, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	t := r.get(name)
	res, err := t.cb.Execute(func() (any, error) {
		callCtx := ctx
		if t.settings.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, t.settings.CallTimeout)
			defer cancel()
		}
		v, err := op(callCtx)
		if err != nil && ctx.Err() != nil {
			return v, &callerGoneError{err: err}
		}
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%s: %w", name, ErrOpen)
	}
	var gone *callerGoneError
	if errors.As(err, &gone) {
		return zero, gone.err
	}
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok && res != nil {
		return zero, fmt.Errorf("%s: unexpected result type %T", name, res)
	}
	return v, nil
}

// Do is Execute for operations without a result.
func Do(ctx context.Context, r *Registry, name string, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, r, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func (r *Registry) Snapshot(name string) Snapshot {
	t := r.get(name)
	state := t.cb.State()
	counts := t.cb.Counts()
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{
		Name:                name,
		State:               state.String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		Threshold:           t.settings.Threshold,
		Cooldown:            t.settings.Cooldown,
		CallTimeout:         t.settings.CallTimeout,
	}
	if state != gobreaker.StateClosed && t.openedAt != nil {
		at := *t.openedAt
		snap.OpenedAt = &at
	}
	return snap
}

// Snapshots lists every known target sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.targets))
	for n := range r.targets {
		names = append(names, n)
	}
	r.mu.Unlock()
	sort.Strings(names)
	out := make([]Snapshot, 0, len(names))
	for _, n := range names {
		out = append(out, r.Snapshot(n))
	}
	return out
}
