package reaction

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"
	"time"

	"mergeline/internal/config"
	"mergeline/internal/lifecycle"
)

// Action is what a rule does. The set of variants is closed.
type Action interface {
	Name() string
	action()
}

// RetryWithPrompt respawns the agent with a rendered prompt.
type RetryWithPrompt struct {
	Template *template.Template
}

// Notify sends a rendered message. An empty Destination means every
// configured destination.
type Notify struct {
	Message     *template.Template
	Destination string
}

// Escalate hands the session to a human. With After set the escalation
// is left to the stuck sweep.
type Escalate struct {
	After time.Duration
}

// Merge runs the merge saga when auto merge is enabled.
type Merge struct{}

func (RetryWithPrompt) Name() string { return config.ActionRetryWithPrompt }
func (Notify) Name() string          { return config.ActionNotify }
func (Escalate) Name() string        { return config.ActionEscalate }
func (Merge) Name() string           { return config.ActionMerge }

func (RetryWithPrompt) action() {}
func (Notify) action()          {}
func (Escalate) action()        {}
func (Merge) action()           {}

type Rule struct {
	EventType  string
	Action     Action
	MaxRetries int
	StuckAfter time.Duration
}

// Table is the compiled reaction configuration. It is replaced whole on
// reload.
type Table struct {
	Rules        map[string]Rule
	StuckAfter   time.Duration
	AutoMerge    bool
	Destinations []string
	// Kickoff runs the start_work saga when a session is created.
	Kickoff       bool
	KickoffPrompt *template.Template
}

const defaultKickoffPrompt = `Resolve {{.IssueRef}} on branch {{.Branch}}.`

// Select returns the rule for eventType.
func Select(t Table, eventType string) (Rule, bool) {
	r, ok := t.Rules[eventType]
	return r, ok
}

// FromConfig compiles cfg's rules. Retry rules without their own ceiling
// take the configured CI or review ceiling; an explicit 0 means no retries.
func FromConfig(cfg *config.Config) (Table, error) {
	t := Table{
		Rules:      make(map[string]Rule, len(cfg.Reactions)),
		StuckAfter: cfg.Stuck.After,
		AutoMerge:  cfg.AutoMerge,
		Kickoff:    cfg.Agent.Command != "",
	}
	kickoff, err := template.New("kickoff").Option("missingkey=zero").Parse(defaultKickoffPrompt)
	if err != nil {
		return t, err
	}
	t.KickoffPrompt = kickoff
	for name := range cfg.Destinations {
		t.Destinations = append(t.Destinations, name)
	}
	sort.Strings(t.Destinations)

	for _, rc := range cfg.Reactions {
		if _, dup := t.Rules[rc.Event]; dup {
			return t, fmt.Errorf("reactions: more than one rule for event %s", rc.Event)
		}
		rule := Rule{EventType: rc.Event, StuckAfter: rc.StuckAfter}
		switch rc.Action {
		case config.ActionRetryWithPrompt:
			tmpl, err := template.New(rc.Event).Option("missingkey=zero").Parse(rc.Prompt)
			if err != nil {
				return t, fmt.Errorf("reactions[%s]: prompt: %w", rc.Event, err)
			}
			rule.Action = RetryWithPrompt{Template: tmpl}
			switch {
			case rc.MaxRetries != nil:
				rule.MaxRetries = *rc.MaxRetries
			case rc.Event == lifecycle.EventChangesRequested:
				rule.MaxRetries = cfg.Retries.MaxRetriesReview
			default:
				rule.MaxRetries = cfg.Retries.MaxRetriesCI
			}
		case config.ActionNotify:
			msg := rc.Message
			if msg == "" {
				msg = "{{.EventType}} on session {{.SessionID}}"
			}
			tmpl, err := template.New(rc.Event).Option("missingkey=zero").Parse(msg)
			if err != nil {
				return t, fmt.Errorf("reactions[%s]: message: %w", rc.Event, err)
			}
			rule.Action = Notify{Message: tmpl, Destination: rc.Destination}
		case config.ActionEscalate:
			rule.Action = Escalate{After: rc.After}
		case config.ActionMerge:
			rule.Action = Merge{}
		default:
			return t, fmt.Errorf("reactions[%s]: unknown action %q", rc.Event, rc.Action)
		}
		t.Rules[rc.Event] = rule
	}
	return t, nil
}

// StuckThreshold is the idle time after which a session in state is
// escalated. A rule whose event drives sessions into state may set its own.
func (t Table) StuckThreshold(state lifecycle.State) time.Duration {
	threshold := t.StuckAfter
	for _, r := range t.Rules {
		target, ok := lifecycle.Target(r.EventType)
		if !ok || target != state {
			continue
		}
		if r.StuckAfter > 0 {
			return r.StuckAfter
		}
		if esc, ok := r.Action.(Escalate); ok && esc.After > 0 {
			return esc.After
		}
	}
	return threshold
}

func render(tmpl *template.Template, data any) (string, error) {
	if tmpl == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
