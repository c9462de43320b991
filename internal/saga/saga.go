// Package saga runs multi-step side-effecting operations with per-step
// compensation. Progress is persisted after every step so a crash leaves a
// record that can be compensated or resumed.
//
// After a restart, runs that were compensating finish compensating. Runs
// that were moving forward are marked abandoned: the step in flight at the
// crash may or may not have taken effect, so forward progress resumes only
// when an operator asks for it (Resume re-executes that step) or the run is
// rolled back (Abort).
package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mergeline/internal/domain"
	"mergeline/internal/events"
	"mergeline/internal/repo"
)

const (
	EventCompleted   = "saga.completed"
	EventFailed      = "saga.failed"
	EventAbandoned   = "saga.abandoned"
	EventCompensated = "saga.step_compensated"
)

var (
	ErrCancelled     = errors.New("saga cancelled")
	ErrUnknownSaga   = errors.New("unknown saga definition")
	ErrNotResumable  = errors.New("saga is not abandoned")
	ErrNoSteps       = errors.New("saga has no steps")
	ErrDuplicateStep = errors.New("duplicate step name")
)

// Run is what a step sees of its saga. Progress is persisted after each
// successful step.
type Run struct {
	ID            string
	Name          string
	CorrelationID string
	Progress      map[string]any
}

func (r *Run) String(key string) string {
	v, _ := r.Progress[key].(string)
	return v
}

func (r *Run) Int(key string) int {
	switch v := r.Progress[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (r *Run) Set(key string, v any) {
	if r.Progress == nil {
		r.Progress = map[string]any{}
	}
	r.Progress[key] = v
}

type Step struct {
	Name       string
	Execute    func(ctx context.Context, run *Run) error
	Compensate func(ctx context.Context, run *Run) error
}

type Definition struct {
	Name  string
	Steps []Step
}

func (d Definition) validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("%s: %w", d.Name, ErrNoSteps)
	}
	seen := map[string]bool{}
	for _, s := range d.Steps {
		if s.Name == "" || s.Execute == nil {
			return fmt.Errorf("%s: step requires a name and an execute action", d.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("%s: %w %q", d.Name, ErrDuplicateStep, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func (d Definition) step(name string) (Step, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

func (d Definition) names() []string {
	out := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		out[i] = s.Name
	}
	return out
}

// Definitions maps saga names to their steps, so persisted runs can be
// recovered by name after a restart.
type Definitions struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewDefinitions(defs ...Definition) *Definitions {
	d := &Definitions{defs: make(map[string]Definition)}
	for _, def := range defs {
		d.Register(def)
	}
	return d
}

func (d *Definitions) Register(def Definition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defs[def.Name] = def
}

func (d *Definitions) Get(name string) (Definition, bool) {
	if d == nil {
		return Definition{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.defs[name]
	return def, ok
}

func (d *Definitions) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.defs))
	for n := range d.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// StepError is returned after a failed run has been compensated.
type StepError struct {
	Saga               string
	SagaID             string
	Step               string
	Err                error
	CompensationErrors []error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("saga %s step %s: %v", e.Saga, e.Step, e.Err)
	if len(e.CompensationErrors) > 0 {
		parts := make([]string, len(e.CompensationErrors))
		for i, ce := range e.CompensationErrors {
			parts[i] = ce.Error()
		}
		msg += " (compensation errors: " + strings.Join(parts, "; ") + ")"
	}
	return msg
}

func (e *StepError) Unwrap() error { return e.Err }

type Executor struct {
	Repo        repo.Repo
	Events      *events.Log
	Definitions *Definitions
	Logger      *zap.Logger
	Now         func() time.Time
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Start runs a registered definition.
func (e *Executor) Start(ctx context.Context, name, correlationID string, progress map[string]any) (domain.SagaRecord, error) {
	def, ok := e.Definitions.Get(name)
	if !ok {
		return domain.SagaRecord{}, fmt.Errorf("%w: %s", ErrUnknownSaga, name)
	}
	return e.Run(ctx, def, correlationID, progress)
}

// Run executes def in order. On failure or cancellation the completed steps
// are compensated in reverse before the *StepError is returned.
func (e *Executor) Run(ctx context.Context, def Definition, correlationID string, progress map[string]any) (domain.SagaRecord, error) {
	if err := def.validate(); err != nil {
		return domain.SagaRecord{}, err
	}
	if progress == nil {
		progress = map[string]any{}
	}
	now := e.now()
	rec := domain.SagaRecord{
		ID:            uuid.NewString(),
		Name:          def.Name,
		CorrelationID: correlationID,
		Steps:         def.names(),
		Completed:     []string{},
		Compensated:   []string{},
		Status:        domain.SagaRunning,
		Progress:      progress,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertSaga(ctx, rec); err != nil {
		return rec, fmt.Errorf("persist saga: %w", err)
	}
	return e.forward(ctx, def, rec)
}

func (e *Executor) forward(ctx context.Context, def Definition, rec domain.SagaRecord) (domain.SagaRecord, error) {
	log := e.logger().With(zap.String("saga", rec.Name), zap.String("saga_id", rec.ID), zap.String("correlation_id", rec.CorrelationID))
	run := &Run{ID: rec.ID, Name: rec.Name, CorrelationID: rec.CorrelationID, Progress: rec.Progress}

	for i := rec.Current; i < len(def.Steps); i++ {
		step := def.Steps[i]
		if err := ctx.Err(); err != nil {
			log.Info("saga cancelled before step", zap.String("step", step.Name))
			return e.fail(ctx, def, rec, step.Name, fmt.Errorf("%w: %w", ErrCancelled, err))
		}
		log.Debug("saga step", zap.String("step", step.Name))
		if err := step.Execute(ctx, run); err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", ErrCancelled, err)
			}
			log.Warn("saga step failed", zap.String("step", step.Name), zap.Error(err))
			return e.fail(ctx, def, rec, step.Name, err)
		}
		rec.Completed = append(rec.Completed, step.Name)
		rec.Current = i + 1
		rec.Progress = run.Progress
		rec.UpdatedAt = e.now()
		if err := e.Repo.UpdateSaga(context.WithoutCancel(ctx), rec); err != nil {
			log.Error("persist saga progress", zap.String("step", step.Name), zap.Error(err))
			return e.fail(ctx, def, rec, step.Name, fmt.Errorf("persist progress: %w", err))
		}
	}

	rec.Status = domain.SagaCompleted
	rec.UpdatedAt = e.now()
	if err := e.Repo.UpdateSaga(context.WithoutCancel(ctx), rec); err != nil {
		return rec, fmt.Errorf("persist saga completion: %w", err)
	}
	e.emit(ctx, rec, EventCompleted, events.Payload{"steps": rec.Completed})
	log.Info("saga completed")
	return rec, nil
}

// fail compensates and records the failure. The original error is kept on
// the record and on the emitted fact.
func (e *Executor) fail(ctx context.Context, def Definition, rec domain.SagaRecord, step string, cause error) (domain.SagaRecord, error) {
	rec.Error = cause.Error()
	rec, compErrs := e.compensate(ctx, def, rec)
	stepErr := &StepError{Saga: rec.Name, SagaID: rec.ID, Step: step, Err: cause, CompensationErrors: compErrs}
	payload := events.Payload{"step": step, "error": cause.Error(), "compensated": rec.Compensated}
	if len(compErrs) > 0 {
		msgs := make([]string, len(compErrs))
		for i, ce := range compErrs {
			msgs[i] = ce.Error()
		}
		payload["compensation_errors"] = msgs
	}
	e.emit(ctx, rec, EventFailed, payload)
	return rec, stepErr
}

// compensate undoes completed steps newest first, each at most once, and
// leaves the record failed. Compensation ignores the caller's cancellation.
func (e *Executor) compensate(ctx context.Context, def Definition, rec domain.SagaRecord) (domain.SagaRecord, []error) {
	cctx := context.WithoutCancel(ctx)
	log := e.logger().With(zap.String("saga", rec.Name), zap.String("saga_id", rec.ID), zap.String("correlation_id", rec.CorrelationID))
	run := &Run{ID: rec.ID, Name: rec.Name, CorrelationID: rec.CorrelationID, Progress: rec.Progress}

	rec.Status = domain.SagaCompensating
	rec.UpdatedAt = e.now()
	if err := e.Repo.UpdateSaga(cctx, rec); err != nil {
		log.Error("persist saga compensating", zap.Error(err))
	}

	var errs []error
	for i := len(rec.Completed) - 1; i >= 0; i-- {
		name := rec.Completed[i]
		if rec.IsCompensated(name) {
			continue
		}
		if step, ok := def.step(name); ok && step.Compensate != nil {
			if err := step.Compensate(cctx, run); err != nil {
				log.Warn("compensation failed", zap.String("step", name), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			} else {
				log.Info("step compensated", zap.String("step", name))
			}
		}
		rec.Compensated = append(rec.Compensated, name)
		rec.UpdatedAt = e.now()
		if err := e.Repo.UpdateSaga(cctx, rec); err != nil {
			log.Error("persist compensation", zap.String("step", name), zap.Error(err))
		}
	}

	rec.Status = domain.SagaFailed
	rec.UpdatedAt = e.now()
	if err := e.Repo.UpdateSaga(cctx, rec); err != nil {
		log.Error("persist saga failed", zap.Error(err))
	}
	return rec, errs
}

func (e *Executor) emit(ctx context.Context, rec domain.SagaRecord, typ string, extra events.Payload) {
	if e.Events == nil || rec.CorrelationID == "" {
		return
	}
	payload := events.Payload{"saga_id": rec.ID, "saga": rec.Name}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := e.Events.Append(context.WithoutCancel(ctx), events.Event{Type: typ, CorrelationID: rec.CorrelationID, Payload: payload}); err != nil {
		e.logger().Error("append saga fact", zap.String("type", typ), zap.String("saga_id", rec.ID), zap.Error(err))
	}
}

// RecoveryReport lists what Recover did.
type RecoveryReport struct {
	Compensated []string `json:"compensated"`
	Abandoned   []string `json:"abandoned"`
}

// Recover settles runs interrupted by a crash. Compensating runs finish
// compensating; running runs are marked abandoned and left for an operator.
func (e *Executor) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	recs, err := e.Repo.ListSagas(ctx, repo.SagaFilters{Statuses: []domain.SagaStatus{domain.SagaRunning, domain.SagaCompensating}})
	if err != nil {
		return report, err
	}
	for _, rec := range recs {
		log := e.logger().With(zap.String("saga", rec.Name), zap.String("saga_id", rec.ID))
		switch rec.Status {
		case domain.SagaCompensating:
			def, ok := e.Definitions.Get(rec.Name)
			if !ok {
				log.Error("cannot compensate unknown saga definition")
				rec.Status = domain.SagaFailed
				rec.Error = strings.TrimSpace(rec.Error + "; " + ErrUnknownSaga.Error())
				rec.UpdatedAt = e.now()
				if err := e.Repo.UpdateSaga(ctx, rec); err != nil {
					return report, err
				}
				continue
			}
			rec, _ = e.compensate(ctx, def, rec)
			e.emit(ctx, rec, EventFailed, events.Payload{"error": rec.Error, "compensated": rec.Compensated, "recovered": true})
			report.Compensated = append(report.Compensated, rec.ID)
		case domain.SagaRunning:
			rec.Status = domain.SagaAbandoned
			rec.UpdatedAt = e.now()
			if err := e.Repo.UpdateSaga(ctx, rec); err != nil {
				return report, err
			}
			next := ""
			if rec.Current < len(rec.Steps) {
				next = rec.Steps[rec.Current]
			}
			e.emit(ctx, rec, EventAbandoned, events.Payload{"completed": rec.Completed, "next_step": next})
			log.Warn("saga abandoned; operator action required", zap.String("next_step", next))
			report.Abandoned = append(report.Abandoned, rec.ID)
		}
	}
	return report, nil
}

func (e *Executor) abandoned(ctx context.Context, id string) (domain.SagaRecord, Definition, error) {
	rec, err := e.Repo.GetSaga(ctx, id)
	if err != nil {
		return rec, Definition{}, err
	}
	if rec.Status != domain.SagaAbandoned {
		return rec, Definition{}, fmt.Errorf("%w: %s is %s", ErrNotResumable, id, rec.Status)
	}
	def, ok := e.Definitions.Get(rec.Name)
	if !ok {
		return rec, def, fmt.Errorf("%w: %s", ErrUnknownSaga, rec.Name)
	}
	return rec, def, nil
}

// Resume continues an abandoned run from its first incomplete step. That
// step is executed again, so the operator confirms it is safe to repeat.
func (e *Executor) Resume(ctx context.Context, id string) (domain.SagaRecord, error) {
	rec, def, err := e.abandoned(ctx, id)
	if err != nil {
		return rec, err
	}
	rec.Status = domain.SagaRunning
	rec.UpdatedAt = e.now()
	if err := e.Repo.UpdateSaga(ctx, rec); err != nil {
		return rec, err
	}
	e.logger().Info("saga resumed", zap.String("saga", rec.Name), zap.String("saga_id", rec.ID), zap.Int("from_step", rec.Current))
	return e.forward(ctx, def, rec)
}

// Abort rolls back an abandoned run.
func (e *Executor) Abort(ctx context.Context, id string) (domain.SagaRecord, error) {
	rec, def, err := e.abandoned(ctx, id)
	if err != nil {
		return rec, err
	}
	step := ""
	if rec.Current < len(rec.Steps) {
		step = rec.Steps[rec.Current]
	}
	_, err = e.fail(ctx, def, rec, step, errors.New("aborted by operator"))
	var stepErr *StepError
	if errors.As(err, &stepErr) && len(stepErr.CompensationErrors) == 0 {
		err = nil
	}
	final, getErr := e.Repo.GetSaga(ctx, id)
	if getErr != nil {
		return rec, getErr
	}
	return final, err
}
