package mcpfleet

import (
	"context"
	"log/slog"

	"github.com/mcpfleet/mcpfleet/internal/config"
	"github.com/mcpfleet/mcpfleet/internal/registry"
)

// Registry owns one client per configured server and routes calls by name.
type Registry = registry.Registry

// Option configures a Registry.
type Option = registry.Option

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return registry.WithLogger(log)
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return registry.WithMetrics(m)
}

// WithNotificationHandler forwards server notifications to the given handler.
func WithNotificationHandler(h NotificationHandler) Option {
	return registry.WithNotificationHandler(h)
}

// WithTransportFactory replaces the default subprocess transport for every
// server. Useful for tests and alternative transports.
func WithTransportFactory(f TransportFactory) Option {
	return registry.WithTransportFactory(f)
}

// New builds a registry from the given configuration, registers every
// configured server, and auto-connects those that want it.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Registry, error) {
	return registry.New(ctx, cfg, opts...)
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
