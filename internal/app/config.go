package app

import (
	"errors"
	"fmt"
	"os"

	"mergeline/internal/breaker"
	"mergeline/internal/config"
	"mergeline/internal/deadletter"
)

// ResolveConfig picks the config file: the override when given, else the
// workspace's mergeline.yml. A missing workspace file means defaults; a
// missing override is an error.
func ResolveConfig(workspace, override string) (string, *config.Config, error) {
	if override != "" {
		cfg, err := config.FromFile(override)
		if err != nil {
			return override, nil, fmt.Errorf("load config %s: %w", override, err)
		}
		return override, cfg, nil
	}
	path := config.Path(workspace)
	cfg, err := config.FromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return path, config.Default(), nil
	}
	if err != nil {
		return path, nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return path, cfg, nil
}

// BreakerSettings turns the breaker section into registry settings. The
// section cooldown applies to targets without their own.
func BreakerSettings(cfg *config.Config) []breaker.Settings {
	byName := map[string]breaker.Settings{}
	for _, s := range breaker.Defaults() {
		byName[s.Name] = s
	}
	for name, t := range cfg.Breakers.Targets {
		s := byName[name]
		s.Name = name
		if t.Threshold > 0 {
			s.Threshold = t.Threshold
		}
		s.Cooldown = t.Cooldown
		if s.Cooldown <= 0 {
			s.Cooldown = cfg.Breakers.Cooldown
		}
		if t.CallTimeout > 0 {
			s.CallTimeout = t.CallTimeout
		}
		byName[name] = s
	}
	out := make([]breaker.Settings, 0, len(byName))
	for _, s := range byName {
		if s.Cooldown <= 0 {
			s.Cooldown = cfg.Breakers.Cooldown
		}
		out = append(out, s)
	}
	return out
}

func DeadLetterPolicy(cfg *config.Config) deadletter.Policy {
	p := deadletter.DefaultPolicy()
	if cfg.DeadLetter.BaseDelay > 0 {
		p.BaseDelay = cfg.DeadLetter.BaseDelay
	}
	if cfg.DeadLetter.Factor >= 1 {
		p.Factor = cfg.DeadLetter.Factor
	}
	if cfg.DeadLetter.MaxAttempts > 0 {
		p.MaxAttempts = cfg.DeadLetter.MaxAttempts
	}
	if cfg.DeadLetter.BatchSize > 0 {
		p.BatchSize = cfg.DeadLetter.BatchSize
	}
	return p
}
