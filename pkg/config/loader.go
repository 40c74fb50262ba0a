package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Config is the process-level configuration for eliza agents.
type Config struct {
	Version     string            `json:"version" yaml:"version"`
	Environment map[string]string `json:"environment" yaml:"environment"`
	Log         LogConfig         `json:"log" yaml:"log"`
	Secrets     SecretsConfig     `json:"secrets" yaml:"secrets"`
	Database    DatabaseConfig    `json:"database" yaml:"database"`
	Telemetry   TelemetryConfig   `json:"telemetry" yaml:"telemetry"`
	Server      ServerConfig      `json:"server" yaml:"server"`
	Models      ModelsConfig      `json:"models" yaml:"models"`
	Embedding   EmbeddingConfig   `json:"embedding" yaml:"embedding"`
	Message     MessageConfig     `json:"message" yaml:"message"`
	Agents      []AgentRef        `json:"agents" yaml:"agents"`

	SourcePath string `json:"-" yaml:"-"`
	SourceHash string `json:"-" yaml:"-"`
}

// LogConfig selects zerolog level and output format.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // json | console
}

// SecretsConfig carries the character secret salt.
type SecretsConfig struct {
	Salt string `json:"salt" yaml:"salt"`
}

// DatabaseConfig selects the persistence adapter. An empty URL keeps
// memories in process.
type DatabaseConfig struct {
	URL      string `json:"url" yaml:"url"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns"`
}

// TelemetryConfig wires the OTLP trace exporter.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	Insecure    bool   `json:"insecure" yaml:"insecure"`
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// ModelsConfig configures model providers.
type ModelsConfig struct {
	Provider  string         `json:"provider" yaml:"provider"` // openai | anthropic
	OpenAI    ProviderConfig `json:"openai" yaml:"openai"`
	Anthropic ProviderConfig `json:"anthropic" yaml:"anthropic"`
}

// ProviderConfig is one model provider's connection and model names.
type ProviderConfig struct {
	APIKey              string `json:"api_key" yaml:"api_key"`
	BaseURL             string `json:"base_url" yaml:"base_url"`
	SmallModel          string `json:"small_model" yaml:"small_model"`
	LargeModel          string `json:"large_model" yaml:"large_model"`
	EmbeddingModel      string `json:"embedding_model" yaml:"embedding_model"`
	EmbeddingDimensions int    `json:"embedding_dimensions" yaml:"embedding_dimensions"`
	MaxTokens           int    `json:"max_tokens" yaml:"max_tokens"`
}

// EmbeddingConfig tunes the embedding queue.
type EmbeddingConfig struct {
	MaxQueueSize int  `json:"max_queue_size" yaml:"max_queue_size"`
	Concurrency  int  `json:"concurrency" yaml:"concurrency"`
	MaxRetries   int  `json:"max_retries" yaml:"max_retries"`
	Backoff      bool `json:"backoff" yaml:"backoff"`
}

// MessageConfig tunes the message pipeline.
type MessageConfig struct {
	SerializeRooms *bool `json:"serialize_rooms" yaml:"serialize_rooms"`
}

// SerializeRoomsEnabled defaults to true.
func (m MessageConfig) SerializeRoomsEnabled() bool {
	return m.SerializeRooms == nil || *m.SerializeRooms
}

// AgentRef points at a character file to load at startup.
type AgentRef struct {
	Character string `json:"character" yaml:"character"`
	AutoStart *bool  `json:"auto_start" yaml:"auto_start"`
}

// AutoStartEnabled defaults to true.
func (a AgentRef) AutoStartEnabled() bool {
	return a.AutoStart == nil || *a.AutoStart
}

const (
	defaultVersion    = "1.0.0"
	defaultLogLevel   = "info"
	defaultServerAddr = ":3000"
	defaultProvider   = "openai"
)

// Normalize trims whitespace, resolves relative character paths against
// base and fills defaults.
func (c *Config) Normalize(base string) {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.Version) == "" {
		c.Version = defaultVersion
	}
	if c.Environment == nil {
		c.Environment = map[string]string{}
	} else {
		for k, v := range c.Environment {
			c.Environment[k] = strings.TrimSpace(v)
		}
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = defaultServerAddr
	}
	c.Models.Provider = strings.ToLower(strings.TrimSpace(c.Models.Provider))
	if c.Models.Provider == "" {
		c.Models.Provider = defaultProvider
	}
	for i := range c.Agents {
		path := strings.TrimSpace(c.Agents[i].Character)
		if path != "" && !filepath.IsAbs(path) && base != "" {
			path = filepath.Join(base, path)
		}
		if path != "" {
			path = filepath.Clean(path)
		}
		c.Agents[i].Character = path
	}
}

// Loader loads, validates, and caches config state.
type Loader struct {
	path      string
	validator Validator
	lookupEnv func(string) (string, bool)

	mu   sync.Mutex
	last atomic.Pointer[Config]
}

// LoaderOption customizes loader behaviour.
type LoaderOption func(*Loader)

// WithValidator injects a custom Validator.
func WithValidator(v Validator) LoaderOption {
	return func(l *Loader) {
		l.validator = v
	}
}

// WithLookupEnv replaces os.LookupEnv for environment overrides.
func WithLookupEnv(fn func(string) (string, bool)) LoaderOption {
	return func(l *Loader) {
		l.lookupEnv = fn
	}
}

// NewLoader wires a loader for the config file at path. An empty path loads
// defaults plus environment overrides.
func NewLoader(path string, opts ...LoaderOption) (*Loader, error) {
	loader := &Loader{lookupEnv: os.LookupEnv}
	if strings.TrimSpace(path) != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		loader.path = abs
	}
	loader.validator = NewDefaultValidator()
	for _, opt := range opts {
		if opt != nil {
			opt(loader)
		}
	}
	if loader.validator == nil {
		loader.validator = NewDefaultValidator()
	}
	if loader.lookupEnv == nil {
		loader.lookupEnv = os.LookupEnv
	}
	return loader, nil
}

// Path returns the absolute config path, empty when running on defaults.
func (l *Loader) Path() string {
	return l.path
}

// Last returns the most recent valid configuration.
func (l *Loader) Last() (*Config, bool) {
	cfg := l.last.Load()
	if cfg == nil {
		return nil, false
	}
	return cfg, true
}

// Load parses the file, applies environment overrides and validates.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := l.loadOnce()
	if err != nil {
		return nil, err
	}
	l.last.Store(cfg)
	return cfg, nil
}

// Reload attempts to refresh configuration keeping the last good state on error.
func (l *Loader) Reload() (*Config, error) {
	prev, _ := l.Last()
	cfg, err := l.Load()
	if err != nil {
		if prev != nil {
			return prev, fmt.Errorf("reload failed, keeping last good config: %w", err)
		}
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadOnce() (*Config, error) {
	var (
		cfg *Config
		raw []byte
	)
	if l.path == "" {
		cfg = &Config{}
	} else {
		data, err := os.ReadFile(l.path)
		switch {
		case err == nil:
			raw = data
			cfg, err = decodeConfig(raw)
			if err != nil {
				return nil, fmt.Errorf("config %s: %w", l.path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("config %s not found: %w", l.path, err)
		default:
			return nil, err
		}
		cfg.SourcePath = l.path
	}
	cfg.Normalize(filepath.Dir(l.path))
	l.applyEnv(cfg)
	if l.validator != nil {
		if err := l.validator.Validate(cfg); err != nil {
			return nil, err
		}
	}
	cfg.SourceHash = computeConfigHash(raw)
	return cfg, nil
}

// applyEnv lets the process environment override file values.
func (l *Loader) applyEnv(cfg *Config) {
	str := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v, ok := l.lookupEnv(key); ok && strings.TrimSpace(v) != "" {
				*dst = strings.TrimSpace(v)
				return
			}
		}
	}
	str(&cfg.Models.OpenAI.APIKey, "OPENAI_API_KEY")
	str(&cfg.Models.OpenAI.BaseURL, "OPENAI_BASE_URL")
	str(&cfg.Models.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	str(&cfg.Models.Provider, "ELIZA_MODEL_PROVIDER")
	str(&cfg.Secrets.Salt, "SECRET_SALT")
	str(&cfg.Database.URL, "DATABASE_URL", "POSTGRES_URL")
	str(&cfg.Log.Level, "LOG_LEVEL")
	str(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	str(&cfg.Server.Addr, "ELIZA_SERVER_ADDR")
	if v, ok := l.lookupEnv("EMBEDDING_MAX_RETRIES"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Embedding.MaxRetries = n
		}
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Models.Provider = strings.ToLower(cfg.Models.Provider)
}

func decodeConfig(raw []byte) (*Config, error) {
	cfg := &Config{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errors.New("config payload is empty")
	}
	if err := Decode(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func computeConfigHash(raw []byte) string {
	h := sha256.Sum256(raw)
	return hex.EncodeToString(h[:])
}

// ParseConfig parses yaml or json into Config without environment overrides.
func ParseConfig(data []byte) (*Config, error) {
	cfg, err := decodeConfig(data)
	if err != nil {
		return nil, err
	}
	cfg.Normalize("")
	return cfg, nil
}

// Decode unmarshals YAML, falling back to JSON. Character files share it.
func Decode(data []byte, out any) error {
	if err := yaml.Unmarshal(data, out); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err == nil {
		return nil
	}
	return errors.New("config decode failed: unsupported format")
}
