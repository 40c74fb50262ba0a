package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Validator enforces constraints on Config.
type Validator interface {
	Validate(*Config) error
}

// DefaultValidator applies structural checks and guards against obvious abuse.
type DefaultValidator struct {
	maxAgents  int
	maxEnvVars int
}

// NewDefaultValidator builds the stock validator.
func NewDefaultValidator() *DefaultValidator {
	return &DefaultValidator{
		maxAgents:  64,
		maxEnvVars: 64,
	}
}

var (
	semverPattern = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[0-9A-Za-z.\-]+)?$`)
	logLevels     = map[string]struct{}{"trace": {}, "debug": {}, "info": {}, "warn": {}, "error": {}, "fatal": {}, "panic": {}, "disabled": {}}
	providers     = map[string]struct{}{"openai": {}, "anthropic": {}, "none": {}}
)

// Validate checks structural integrity of cfg.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if !semverPattern.MatchString(strings.TrimSpace(cfg.Version)) {
		return fmt.Errorf("invalid config version %q", cfg.Version)
	}
	if compareSemver(cfg.Version, "1.0.0") < 0 {
		return fmt.Errorf("config version %s below supported 1.0.0", cfg.Version)
	}
	if len(cfg.Environment) > v.maxEnvVars {
		return fmt.Errorf("too many environment variables: %d > %d", len(cfg.Environment), v.maxEnvVars)
	}
	if err := sanitizeEnv(cfg.Environment); err != nil {
		return err
	}
	if _, ok := logLevels[cfg.Log.Level]; !ok {
		return fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "console" {
		return fmt.Errorf("invalid log format %q", cfg.Log.Format)
	}
	if _, ok := providers[cfg.Models.Provider]; !ok {
		return fmt.Errorf("unknown model provider %q", cfg.Models.Provider)
	}
	if cfg.Database.MaxConns < 0 {
		return errors.New("database max_conns must be >= 0")
	}
	e := cfg.Embedding
	if e.MaxQueueSize < 0 || e.Concurrency < 0 || e.MaxRetries < 0 {
		return errors.New("embedding limits must be >= 0")
	}
	if len(cfg.Agents) > v.maxAgents {
		return fmt.Errorf("too many agents: %d > %d", len(cfg.Agents), v.maxAgents)
	}
	seen := make(map[string]struct{}, len(cfg.Agents))
	for i, ref := range cfg.Agents {
		if ref.Character == "" {
			return fmt.Errorf("agent %d character path is required", i)
		}
		if _, dup := seen[ref.Character]; dup {
			return fmt.Errorf("duplicate agent character %s", ref.Character)
		}
		seen[ref.Character] = struct{}{}
	}
	return nil
}

var envKeyPattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

func sanitizeEnv(env map[string]string) error {
	for key, value := range env {
		if !envKeyPattern.MatchString(strings.TrimSpace(key)) {
			return fmt.Errorf("invalid environment key %q", key)
		}
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("environment value for %s contains newline", key)
		}
		if len(value) > 1024 {
			return fmt.Errorf("environment value for %s too long", key)
		}
	}
	return nil
}

func compareSemver(a, b string) int {
	parse := func(v string) []int {
		v = strings.TrimPrefix(v, "v")
		parts := strings.SplitN(v, "-", 2)
		nums := strings.Split(parts[0], ".")
		res := []int{0, 0, 0}
		for i := 0; i < len(nums) && i < 3; i++ {
			res[i] = parseInt(nums[i])
		}
		return res
	}
	av := parse(a)
	bv := parse(b)
	for i := 0; i < 3; i++ {
		if av[i] > bv[i] {
			return 1
		}
		if av[i] < bv[i] {
			return -1
		}
	}
	return 0
}

func parseInt(s string) int {
	n := 0
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			break
		}
		n = n*10 + int(ch-'0')
	}
	return n
}
