// Package config loads bus configuration from the environment, optionally
// overlaid on a YAML or TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration decodes "5s"-style strings from YAML, TOML and the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func dur(d time.Duration) Duration { return Duration{Duration: d} }

// Config holds bus configuration.
type Config struct {
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"` // "json" | "text"

	Constitution  ConstitutionConfig  `yaml:"constitution" toml:"constitution"`
	Router        RouterConfig        `yaml:"router" toml:"router"`
	Workflow      WorkflowConfig      `yaml:"workflow" toml:"workflow"`
	Audit         AuditConfig         `yaml:"audit" toml:"audit"`
	Registry      RegistryConfig      `yaml:"registry" toml:"registry"`
	Bus           BusConfig           `yaml:"bus" toml:"bus"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
}

type ConstitutionConfig struct {
	Hash    string `yaml:"hash" toml:"hash"`
	Version string `yaml:"version" toml:"version"`
}

type RouterConfig struct {
	ScorerURL     string   `yaml:"scorer_url" toml:"scorer_url"`
	ScorerTimeout Duration `yaml:"scorer_timeout" toml:"scorer_timeout"`
	LearningRate  float64  `yaml:"learning_rate" toml:"learning_rate"`
	AdjustEvery   int      `yaml:"adjust_every" toml:"adjust_every"`
	FastTimeout   Duration `yaml:"fast_timeout" toml:"fast_timeout"`
	ReviewTimeout Duration `yaml:"review_timeout" toml:"review_timeout"`
	VoteTimeout   Duration `yaml:"vote_timeout" toml:"vote_timeout"`
}

type WorkflowConfig struct {
	OnTimeout       string   `yaml:"on_timeout" toml:"on_timeout"` // "deny" | "escalate"
	EscalationTiers []string `yaml:"escalation_tiers" toml:"escalation_tiers"`
	VoteQuorum      int      `yaml:"vote_quorum" toml:"vote_quorum"`
	RedisURL        string   `yaml:"redis_url" toml:"redis_url"`
	IdempotencyTTL  Duration `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
	DecisionKey     string   `yaml:"decision_key" toml:"decision_key"`
	Retention       Duration `yaml:"retention" toml:"retention"` // how long finished instances stay queryable
}

type AuditConfig struct {
	BatchSize     int      `yaml:"batch_size" toml:"batch_size"`
	BatchInterval Duration `yaml:"batch_interval" toml:"batch_interval"`
	Anchor        string   `yaml:"anchor" toml:"anchor"` // "memory" | "s3" | "gcs"
	SQLitePath    string   `yaml:"sqlite_path" toml:"sqlite_path"`
	SigningSeed   string   `yaml:"signing_seed" toml:"signing_seed"`
	KeyID         string   `yaml:"key_id" toml:"key_id"`
	Bucket        string   `yaml:"bucket" toml:"bucket"`
	Prefix        string   `yaml:"prefix" toml:"prefix"`
	Region        string   `yaml:"region" toml:"region"`
	Endpoint      string   `yaml:"endpoint" toml:"endpoint"`
	Retention     Duration `yaml:"retention" toml:"retention"`
}

type RegistryConfig struct {
	DatabaseURL string `yaml:"database_url" toml:"database_url"`
}

type BusConfig struct {
	Workers     int     `yaml:"workers" toml:"workers"`
	RateLimit   float64 `yaml:"rate_limit" toml:"rate_limit"` // messages per second per agent, 0 disables
	RateBurst   int     `yaml:"rate_burst" toml:"rate_burst"`
	MailboxSize int     `yaml:"mailbox_size" toml:"mailbox_size"`
}

type ObservabilityConfig struct {
	Enabled      bool    `yaml:"enabled" toml:"enabled"`
	ServiceName  string  `yaml:"service_name" toml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure" toml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate" toml:"sample_rate"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LogLevel:  "INFO",
		LogFormat: "json",
		Router: RouterConfig{
			ScorerTimeout: dur(2 * time.Second),
			LearningRate:  0.05,
			AdjustEvery:   20,
			FastTimeout:   dur(5 * time.Second),
			ReviewTimeout: dur(5 * time.Minute),
			VoteTimeout:   dur(10 * time.Minute),
		},
		Workflow: WorkflowConfig{
			OnTimeout:      "deny",
			VoteQuorum:     2,
			IdempotencyTTL: dur(24 * time.Hour),
			Retention:      dur(15 * time.Minute),
		},
		Audit: AuditConfig{
			BatchSize:     256,
			BatchInterval: dur(5 * time.Second),
			Anchor:        "memory",
			KeyID:         "constbus-audit",
			Prefix:        "constbus/audit/",
		},
		Bus: BusConfig{
			Workers:     16,
			RateBurst:   20,
			MailboxSize: 256,
		},
		Observability: ObservabilityConfig{
			ServiceName:  "constbus",
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
			SampleRate:   1.0,
		},
	}
}

// Load loads configuration from environment variables over the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a .yaml/.yml or .toml file over the defaults, then applies
// environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported extension %q", path, filepath.Ext(path))
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the bus cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Workflow.OnTimeout {
	case "deny", "escalate":
	default:
		errs = append(errs, fmt.Errorf("workflow.on_timeout %q: want deny or escalate", c.Workflow.OnTimeout))
	}
	switch c.Audit.Anchor {
	case "memory":
	case "s3", "gcs":
		if c.Audit.Bucket == "" {
			errs = append(errs, fmt.Errorf("audit.bucket is required for %s anchoring", c.Audit.Anchor))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.anchor %q: want memory, s3 or gcs", c.Audit.Anchor))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want json or text", c.LogFormat))
	}
	if c.Audit.BatchSize <= 0 {
		errs = append(errs, errors.New("audit.batch_size must be positive"))
	}
	if c.Bus.Workers <= 0 {
		errs = append(errs, errors.New("bus.workers must be positive"))
	}
	if c.Bus.RateLimit < 0 {
		errs = append(errs, errors.New("bus.rate_limit must not be negative"))
	}
	if c.Workflow.VoteQuorum <= 0 {
		errs = append(errs, errors.New("workflow.vote_quorum must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnv() error {
	e := &envReader{}
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("CONSTBUS_LOG_FORMAT", &c.LogFormat)

	e.str("CONSTBUS_CONSTITUTION_HASH", &c.Constitution.Hash)
	e.str("CONSTBUS_CONSTITUTION_VERSION", &c.Constitution.Version)

	e.str("CONSTBUS_SCORER_URL", &c.Router.ScorerURL)
	e.duration("CONSTBUS_SCORER_TIMEOUT", &c.Router.ScorerTimeout)
	e.float("CONSTBUS_LEARNING_RATE", &c.Router.LearningRate)
	e.integer("CONSTBUS_ADJUST_EVERY", &c.Router.AdjustEvery)
	e.duration("CONSTBUS_REVIEW_TIMEOUT", &c.Router.ReviewTimeout)
	e.duration("CONSTBUS_VOTE_TIMEOUT", &c.Router.VoteTimeout)

	e.str("CONSTBUS_ON_TIMEOUT", &c.Workflow.OnTimeout)
	e.list("CONSTBUS_ESCALATION_TIERS", &c.Workflow.EscalationTiers)
	e.integer("CONSTBUS_VOTE_QUORUM", &c.Workflow.VoteQuorum)
	e.str("REDIS_URL", &c.Workflow.RedisURL)
	e.str("CONSTBUS_DECISION_KEY", &c.Workflow.DecisionKey)
	e.duration("CONSTBUS_WORKFLOW_RETENTION", &c.Workflow.Retention)

	e.integer("CONSTBUS_AUDIT_BATCH_SIZE", &c.Audit.BatchSize)
	e.duration("CONSTBUS_AUDIT_BATCH_INTERVAL", &c.Audit.BatchInterval)
	e.str("CONSTBUS_AUDIT_ANCHOR", &c.Audit.Anchor)
	e.str("CONSTBUS_AUDIT_SQLITE_PATH", &c.Audit.SQLitePath)
	e.str("CONSTBUS_AUDIT_SIGNING_SEED", &c.Audit.SigningSeed)
	e.str("CONSTBUS_AUDIT_BUCKET", &c.Audit.Bucket)
	e.str("CONSTBUS_AUDIT_REGION", &c.Audit.Region)
	e.str("CONSTBUS_AUDIT_ENDPOINT", &c.Audit.Endpoint)

	e.str("DATABASE_URL", &c.Registry.DatabaseURL)

	e.integer("CONSTBUS_WORKERS", &c.Bus.Workers)
	e.float("CONSTBUS_RATE_LIMIT", &c.Bus.RateLimit)
	e.integer("CONSTBUS_RATE_BURST", &c.Bus.RateBurst)

	e.boolean("OTEL_ENABLED", &c.Observability.Enabled)
	e.str("OTEL_SERVICE_NAME", &c.Observability.ServiceName)
	e.str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Observability.OTLPEndpoint)
	return errors.Join(e.errs...)
}

// envReader applies set, non-empty variables and collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *Duration) {
	if v, ok := e.lookup(key); ok {
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		}
	}
}
