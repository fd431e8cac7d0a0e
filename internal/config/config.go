// Package config provides configuration types for the capability-server
// registry: per-server launch definitions, retry and breaker policies, and
// global defaults, loadable from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left zero.
const (
	DefaultTimeout             = 30 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second

	DefaultMaxRetries        = 3
	DefaultInitialDelay      = 1 * time.Second
	DefaultMaxDelay          = 10 * time.Second
	DefaultBackoffMultiplier = 2.0

	DefaultBreakerThreshold    = 5
	DefaultBreakerResetTimeout = 60 * time.Second
)

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("30s") or an integer number of milliseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var ms int64
	if err := node.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)

		return nil
	}

	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string or integer milliseconds: %w", err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RetryPolicy bounds the retry executor for one server's requests.
type RetryPolicy struct {
	MaxRetries        int      `yaml:"maxRetries"`
	InitialDelay      Duration `yaml:"initialDelay"`
	MaxDelay          Duration `yaml:"maxDelay"`
	BackoffMultiplier float64  `yaml:"backoffMultiplier"`
}

// withDefaults fills zero fields with the package defaults.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}

	if p.InitialDelay == 0 {
		p.InitialDelay = Duration(DefaultInitialDelay)
	}

	if p.MaxDelay == 0 {
		p.MaxDelay = Duration(DefaultMaxDelay)
	}

	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = DefaultBackoffMultiplier
	}

	return p
}

// BreakerPolicy configures the per-connection circuit breaker.
type BreakerPolicy struct {
	Threshold    int      `yaml:"threshold"`
	ResetTimeout Duration `yaml:"resetTimeout"`
}

func (p BreakerPolicy) withDefaults() BreakerPolicy {
	if p.Threshold == 0 {
		p.Threshold = DefaultBreakerThreshold
	}

	if p.ResetTimeout == 0 {
		p.ResetTimeout = Duration(DefaultBreakerResetTimeout)
	}

	return p
}

// ServerConfig defines how to launch and talk to one capability server.
// It is immutable after registration and identifies exactly one client.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Timeout Duration          `yaml:"timeout"`
	Retry   RetryPolicy       `yaml:"retryPolicy"`
	Breaker BreakerPolicy     `yaml:"breaker"`

	// AutoConnect is a tri-state: nil defers to Defaults.EnableAutoConnect.
	AutoConnect *bool `yaml:"autoConnect"`
}

// AutoConnectEnabled resolves the tri-state against the global default.
func (s ServerConfig) AutoConnectEnabled(defaults Defaults) bool {
	if s.AutoConnect != nil {
		return *s.AutoConnect
	}

	return defaults.AutoConnect()
}

// Validate checks the fields that must be present at registration time.
func (s ServerConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("server name is required")
	}

	if s.Command == "" {
		return fmt.Errorf("server %q: command is required", s.Name)
	}

	if s.Retry.BackoffMultiplier < 0 {
		return fmt.Errorf("server %q: backoff multiplier must not be negative", s.Name)
	}

	return nil
}

// WithDefaults returns a copy with zero policy fields filled in.
func (s ServerConfig) WithDefaults() ServerConfig {
	s.Retry = s.Retry.withDefaults()
	s.Breaker = s.Breaker.withDefaults()

	return s
}

// Defaults holds the global settings shared by all servers.
type Defaults struct {
	DefaultTimeout Duration `yaml:"defaultTimeout"`

	// EnableAutoConnect is a tri-state: nil means enabled. Registered
	// servers connect immediately unless auto-connect is explicitly
	// disabled here or per server.
	EnableAutoConnect *bool `yaml:"enableAutoConnect"`

	HealthCheckInterval Duration `yaml:"healthCheckInterval"`
}

// AutoConnect resolves the global auto-connect tri-state; unset means on.
func (d Defaults) AutoConnect() bool {
	if d.EnableAutoConnect != nil {
		return *d.EnableAutoConnect
	}

	return true
}

// WithDefaults returns a copy with zero fields filled in. A negative
// HealthCheckInterval disables the health monitor entirely.
func (d Defaults) WithDefaults() Defaults {
	if d.DefaultTimeout == 0 {
		d.DefaultTimeout = Duration(DefaultTimeout)
	}

	if d.HealthCheckInterval == 0 {
		d.HealthCheckInterval = Duration(DefaultHealthCheckInterval)
	}

	return d
}

// Config is the full registry configuration consumed at startup.
type Config struct {
	Defaults Defaults       `yaml:"defaults"`
	Servers  []ServerConfig `yaml:"servers"`
}

// Validate rejects duplicate server names and invalid server definitions.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Servers))

	for _, s := range c.Servers {
		if err := s.Validate(); err != nil {
			return err
		}

		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}

		seen[s.Name] = struct{}{}
	}

	return nil
}

// Load reads and validates a YAML configuration file. Environment variable
// references in server env values are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for i := range cfg.Servers {
		for k, v := range cfg.Servers[i].Env {
			cfg.Servers[i].Env[k] = os.ExpandEnv(v)
		}
	}

	cfg.Defaults = cfg.Defaults.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
