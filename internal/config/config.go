package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Reaction actions.
const (
	ActionRetryWithPrompt = "retry-with-prompt"
	ActionNotify          = "notify"
	ActionEscalate        = "escalate"
	ActionMerge           = "merge"
)

// Config models mergeline.yml.
type Config struct {
	Retries struct {
		MaxRetriesCI     int `yaml:"max_retries_ci"`
		MaxRetriesReview int `yaml:"max_retries_review"`
	} `yaml:"retries"`
	Stuck struct {
		After         time.Duration `yaml:"after"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"stuck"`
	AutoMerge bool   `yaml:"auto_merge"`
	Reactions []Rule `yaml:"reactions"`
	Breakers  struct {
		Cooldown time.Duration            `yaml:"cooldown"`
		Targets  map[string]BreakerTarget `yaml:"targets"`
	} `yaml:"breakers"`
	DeadLetter struct {
		BaseDelay     time.Duration `yaml:"base_delay"`
		Factor        float64       `yaml:"factor"`
		MaxAttempts   int           `yaml:"max_attempts"`
		DrainInterval time.Duration `yaml:"drain_interval"`
		BatchSize     int           `yaml:"batch_size"`
	} `yaml:"dead_letter"`
	Destinations map[string]Destination `yaml:"destinations"`
	Agent        struct {
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`
		Env     []string `yaml:"env"`
	} `yaml:"agent"`
	Git struct {
		Binary       string   `yaml:"binary"`
		Remote       string   `yaml:"remote"`
		BaseBranch   string   `yaml:"base_branch"`
		DiffExclude  []string `yaml:"diff_exclude"`
		DiffMaxFiles int      `yaml:"diff_max_files"`
	} `yaml:"git"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Rule is one reaction. Event types are unique across the table.
type Rule struct {
	Event       string        `yaml:"event"`
	Action      string        `yaml:"action"`
	Prompt      string        `yaml:"prompt,omitempty"`
	Message     string        `yaml:"message,omitempty"`
	Destination string        `yaml:"destination,omitempty"`
	MaxRetries  *int          `yaml:"max_retries,omitempty"`
	StuckAfter  time.Duration `yaml:"stuck_after,omitempty"`
	After       time.Duration `yaml:"after,omitempty"`
}

type BreakerTarget struct {
	Threshold   int           `yaml:"threshold"`
	Cooldown    time.Duration `yaml:"cooldown"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type Destination struct {
	URL     string            `yaml:"url"`
	Secret  string            `yaml:"secret"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// Load reads and validates config from workspace, falling back to the
// defaults when no file exists.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Retries.MaxRetriesCI < 0 || c.Retries.MaxRetriesReview < 0 {
		return fmt.Errorf("config.retries values must be >= 0")
	}
	if c.Stuck.After <= 0 {
		return fmt.Errorf("config.stuck.after must be positive")
	}
	if c.Stuck.SweepInterval <= 0 {
		return fmt.Errorf("config.stuck.sweep_interval must be positive")
	}
	if c.DeadLetter.BaseDelay <= 0 {
		return fmt.Errorf("config.dead_letter.base_delay must be positive")
	}
	if c.DeadLetter.Factor < 1 {
		return fmt.Errorf("config.dead_letter.factor must be >= 1")
	}
	if c.DeadLetter.MaxAttempts <= 0 {
		return fmt.Errorf("config.dead_letter.max_attempts must be positive")
	}
	for name, d := range c.Destinations {
		if name == "" {
			return fmt.Errorf("config.destinations contains empty name")
		}
		u, err := url.Parse(d.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("destination %s has invalid url %q", name, d.URL)
		}
	}
	for name, b := range c.Breakers.Targets {
		if b.Threshold <= 0 {
			return fmt.Errorf("breaker %s threshold must be positive", name)
		}
	}
	return c.validateRules()
}

func (c *Config) validateRules() error {
	seen := map[string]bool{}
	for i, r := range c.Reactions {
		if strings.TrimSpace(r.Event) == "" {
			return fmt.Errorf("reactions[%d].event is required", i)
		}
		if seen[r.Event] {
			return fmt.Errorf("reactions: more than one rule for event %s", r.Event)
		}
		seen[r.Event] = true
		if (r.MaxRetries != nil && *r.MaxRetries < 0) || r.StuckAfter < 0 || r.After < 0 {
			return fmt.Errorf("reactions[%s]: negative limits", r.Event)
		}
		switch r.Action {
		case ActionRetryWithPrompt:
			if strings.TrimSpace(r.Prompt) == "" {
				return fmt.Errorf("reactions[%s]: %s requires a prompt", r.Event, r.Action)
			}
		case ActionNotify:
			if r.Destination != "" {
				if _, ok := c.Destinations[r.Destination]; !ok {
					return fmt.Errorf("reactions[%s]: unknown destination %s", r.Event, r.Destination)
				}
			}
		case ActionEscalate, ActionMerge:
		default:
			return fmt.Errorf("reactions[%s]: unknown action %q", r.Event, r.Action)
		}
	}
	return nil
}

// Rule returns the rule for an event type.
func (c *Config) Rule(event string) (Rule, bool) {
	for _, r := range c.Reactions {
		if r.Event == event {
			return r, true
		}
	}
	return Rule{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mergeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their defaults; a reactions list replaces the default table.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `retries:
  max_retries_ci: 3
  max_retries_review: 3

stuck:
  after: 30m
  sweep_interval: 1m

auto_merge: false

reactions:
  - event: ci.failed
    action: retry-with-prompt
    prompt: |
      CI failed on branch {{.Branch}} (attempt {{.Attempt}} of {{.MaxRetries}}).
      Fix the failures below and push again.
      {{range .FailureLogs}}
      ---
      {{.}}
      {{end}}
  - event: review.changes_requested
    action: retry-with-prompt
    prompt: |
      A reviewer requested changes on {{.Branch}} (round {{.Attempt}} of {{.MaxRetries}}).
      Address every comment below.
      {{range .ReviewComments}}
      - {{.}}
      {{end}}
  - event: ci.passed
    action: merge
  - event: ci.running
    action: escalate
    after: 1h
  - event: session.escalated
    action: notify
    message: "Session {{.SessionID}} ({{.IssueRef}}) needs attention: {{.Reason}}"

breakers:
  cooldown: 30s
  targets:
    agent:
      threshold: 3
      call_timeout: 30m
    github:
      threshold: 5
      call_timeout: 30s
    git:
      threshold: 5
      call_timeout: 2m

dead_letter:
  base_delay: 2s
  factor: 2
  max_attempts: 5
  drain_interval: 5s
  batch_size: 50

agent:
  command: ""

git:
  binary: git
  remote: origin
  base_branch: ""
  diff_exclude: ["*.lock", "vendor/*", "node_modules/*"]
  diff_max_files: 200

server:
  addr: 127.0.0.1:8787
  base_path: /v0
`
