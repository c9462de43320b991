package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Retries.MaxRetriesCI)
	assert.Equal(t, 30*time.Minute, cfg.Stuck.After)
	assert.Equal(t, 2*time.Second, cfg.DeadLetter.BaseDelay)
	assert.Equal(t, 3, cfg.Breakers.Targets["agent"].Threshold)
	assert.Equal(t, 5, cfg.Breakers.Targets["github"].Threshold)

	rule, ok := cfg.Rule("ci.failed")
	require.True(t, ok)
	assert.Equal(t, ActionRetryWithPrompt, rule.Action)
	assert.Contains(t, rule.Prompt, "{{.Branch}}")

	running, ok := cfg.Rule("ci.running")
	require.True(t, ok)
	assert.Equal(t, time.Hour, running.After)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
retries:
  max_retries_ci: 5
auto_merge: true
reactions:
  - event: ci.failed
    action: escalate
destinations:
  ops:
    url: https://hooks.example.com/ops
`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Retries.MaxRetriesCI)
	assert.Equal(t, 3, cfg.Retries.MaxRetriesReview)
	assert.True(t, cfg.AutoMerge)
	require.Len(t, cfg.Reactions, 1)
	assert.Equal(t, ActionEscalate, cfg.Reactions[0].Action)
	assert.Equal(t, "https://hooks.example.com/ops", cfg.Destinations["ops"].URL)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"duplicate rule": `
reactions:
  - {event: ci.failed, action: escalate}
  - {event: ci.failed, action: merge}`,
		"unknown action": `
reactions:
  - {event: ci.failed, action: reboot}`,
		"retry without prompt": `
reactions:
  - {event: ci.failed, action: retry-with-prompt}`,
		"unknown destination": `
reactions:
  - {event: session.escalated, action: notify, destination: pager}`,
		"bad duration": `
stuck:
  after: soon`,
		"bad factor": `
dead_letter:
  factor: 0.5`,
		"bad url": `
destinations:
  ops: {url: "not a url"}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(Path(dir), []byte("auto_merge: true\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.True(t, cfg.AutoMerge)
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	out, err := cfg.Marshal()
	require.NoError(t, err)
	again, err := FromYAML(out)
	require.NoError(t, err)
	assert.Equal(t, cfg.Reactions, again.Reactions)
	assert.Equal(t, cfg.Stuck, again.Stuck)
	assert.Equal(t, cfg.Breakers.Targets, again.Breakers.Targets)
}

func TestWatchReloadsValidEdits(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	require.NoError(t, os.WriteFile(path, []byte("auto_merge: false\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu   sync.Mutex
		got  []*Config
		done = make(chan error, 1)
	)
	go func() {
		done <- Watch(ctx, path, nil, func(c *Config) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, c)
		})
	}()

	latest := func() *Config {
		mu.Lock()
		defer mu.Unlock()
		if len(got) == 0 {
			return nil
		}
		return got[len(got)-1]
	}

	// invalid edits never reach the callback
	require.NoError(t, os.WriteFile(path, []byte("dead_letter: {factor: 0}\n"), 0o644))
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "mergeline.yml"), []byte("auto_merge: true\n"), 0o644)
		c := latest()
		return c != nil && c.AutoMerge
	}, 5*time.Second, 300*time.Millisecond)

	mu.Lock()
	for _, c := range got {
		assert.NoError(t, c.Validate())
	}
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}
