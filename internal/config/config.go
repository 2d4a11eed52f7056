// Package config loads graphsync.yaml.
//
// The raw document is checked against an embedded CUE schema before it is
// decoded, so typos in key names fail loudly instead of silently falling back
// to defaults. Environment variables override a few keys at the end.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// DefaultFile is the configuration file name looked up by the CLI.
const DefaultFile = "graphsync.yaml"

// Environment overrides.
const (
	EnvUser     = "GRAPHSYNC_USER"
	EnvLogLevel = "GRAPHSYNC_LOG_LEVEL"
)

// Duration is a time.Duration written as a Go duration string ("2s").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	User       string           `yaml:"user"`
	Store      StoreConfig      `yaml:"store"`
	Cache      CacheConfig      `yaml:"cache"`
	Watermark  WatermarkConfig  `yaml:"watermark"`
	Model      ModelConfig      `yaml:"model"`
	Categories []string         `yaml:"categories"`
	Sync       SyncConfig       `yaml:"sync"`
	Validation ValidationConfig `yaml:"validation"`
	Logging    LoggingConfig    `yaml:"logging"`
	Sentry     SentryConfig     `yaml:"sentry"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig locates the change cache. An empty Dir disables staging.
type CacheConfig struct {
	Dir string `yaml:"dir"`
}

type WatermarkConfig struct {
	Dir string `yaml:"dir"`
}

// ModelConfig locates the JSON snapshot of the local model.
type ModelConfig struct {
	Path string `yaml:"path"`
}

type SyncConfig struct {
	PollInterval    Duration `yaml:"poll_interval"`
	NotifyWindow    Duration `yaml:"notify_window"`
	BatchWindow     Duration `yaml:"batch_window"`
	MinPullInterval Duration `yaml:"min_pull_interval"`
	RetentionMaxAge Duration `yaml:"retention_max_age"`
}

// ValidationConfig enables post-push validation when URL is set.
type ValidationConfig struct {
	URL          string   `yaml:"url"`
	Ruleset      string   `yaml:"ruleset"`
	Timeout      Duration `yaml:"timeout"`
	PollInterval Duration `yaml:"poll_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SentryConfig struct {
	DSN string `yaml:"dsn"`
}

// MetricsConfig exposes /metrics on Addr when set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Store:     StoreConfig{Path: "graphsync.db"},
		Cache:     CacheConfig{Dir: filepath.Join(".graphsync", "cache")},
		Watermark: WatermarkConfig{Dir: ".graphsync"},
		Model:     ModelConfig{Path: filepath.Join(".graphsync", "model.json")},
		Sync: SyncConfig{
			PollInterval:    Duration(time.Second),
			NotifyWindow:    Duration(2 * time.Second),
			BatchWindow:     Duration(2 * time.Second),
			MinPullInterval: Duration(5 * time.Second),
			RetentionMaxAge: Duration(24 * time.Hour),
		},
		Validation: ValidationConfig{
			Ruleset:      "default",
			Timeout:      Duration(2 * time.Minute),
			PollInterval: Duration(2 * time.Second),
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads path, validates it and overlays it on Default. Relative paths
// in the file are resolved against the file's directory. An empty path
// yields the defaults. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Validate(data); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

// Validate checks a raw YAML document against the #Config schema.
func Validate(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	doc := ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := def.Unify(doc).Validate(); err != nil {
		// Details keeps the field path of every violation.
		return fmt.Errorf("schema: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{&c.Store.Path, &c.Cache.Dir, &c.Watermark.Dir, &c.Model.Path} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvUser); ok && v != "" {
		c.User = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if c.User == "" {
		if v, ok := lookup("USER"); ok {
			c.User = v
		}
	}
}
