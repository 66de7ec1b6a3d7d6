// Package config loads the relaymux CLI configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/miladsoleymani/relaymux/core"
	"github.com/miladsoleymani/relaymux/internal/logging"
	"github.com/miladsoleymani/relaymux/messaging"
)

// EnvPrefix prefixes every environment variable, e.g.
// RELAYMUX_BROKER_PROVIDER_URL or RELAYMUX_LOGGER_LOG_LEVEL.
const EnvPrefix = "RELAYMUX"

// Config represents the CLI configuration.
type Config struct {
	Broker  BrokerConfig   `yaml:"broker"`
	Caller  CallerConfig   `yaml:"caller"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Logger  logging.Config `yaml:"logger"`
}

// BrokerConfig holds the routing configuration handed to the messaging
// service. Options carries any further key, such as subscriber.durable or
// nats.replicas.
type BrokerConfig struct {
	ContextFactory    string            `yaml:"initial-context-factory" split_words:"true"`
	ProviderURL       string            `yaml:"provider-url" split_words:"true"`
	ConnectionFactory string            `yaml:"connection-factory" split_words:"true"`
	Destination       string            `yaml:"destination" split_words:"true"`
	Username          string            `yaml:"username" split_words:"true"`
	Password          string            `yaml:"password" split_words:"true"`
	Options           map[string]string `yaml:"options" split_words:"true"`
}

// CallerConfig identifies the user the CLI acts as.
type CallerConfig struct {
	Name   string   `yaml:"name" split_words:"true"`
	Groups []string `yaml:"groups" split_words:"true"`
	Admin  bool     `yaml:"admin" split_words:"true"`
}

// MetricsConfig configures the Prometheus endpoint served by listen.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Address string `yaml:"address" split_words:"true"`
	Path    string `yaml:"path" split_words:"true"`
}

// Default returns the configuration used when neither file nor environment
// set a value.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			ConnectionFactory: "ConnectionFactory",
		},
		Caller: CallerConfig{
			Name:   "relaymux",
			Groups: []string{messaging.DefaultGroup},
		},
		Metrics: MetricsConfig{
			Address: ":9090",
			Path:    "/metrics",
		},
		Logger: logging.Config{
			Level:      "info",
			Format:     "console",
			OutputPath: "stderr",
		},
	}
}

// Load loads configuration from defaults, then the file at configPath if
// given, then environment variables, then overrides, and validates the
// result. Later sources take precedence.
func Load(configPath string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	for _, fn := range overrides {
		fn(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	return decoder.Decode(cfg)
}

// Parameters returns the broker configuration as the map accepted by
// messaging.Service.
func (c *Config) Parameters() map[string]any {
	out := make(map[string]any, len(c.Broker.Options)+6)
	for k, v := range c.Broker.Options {
		out[k] = v
	}
	set := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	set(core.KeyContextFactory, c.Broker.ContextFactory)
	set(core.KeyProviderURL, c.Broker.ProviderURL)
	set(core.KeyConnectionFactory, c.Broker.ConnectionFactory)
	set(core.KeyDestination, c.Broker.Destination)
	set(core.KeyUsername, c.Broker.Username)
	set(core.KeyPassword, c.Broker.Password)
	return out
}

// AsCaller returns the configured caller.
func (c *Config) AsCaller() messaging.Caller {
	return messaging.Caller{
		Name:   c.Caller.Name,
		Groups: append([]string(nil), c.Caller.Groups...),
		Admin:  c.Caller.Admin,
	}
}

// Validate validates the configuration. Broker keys are checked in the same
// order the messaging service checks them.
func (c *Config) Validate() error {
	params, err := core.ParseParameters(c.Parameters())
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}

	switch c.Logger.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format %q (must be json or console)", c.Logger.Format)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", c.Metrics.Address, err)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("invalid metrics path %q", c.Metrics.Path)
		}
	}
	return nil
}

// String returns the configuration with credentials redacted.
func (c *Config) String() string {
	params, err := core.ParseParameters(c.Parameters())
	broker := "{}"
	if err == nil {
		broker = params.String()
	}
	return fmt.Sprintf("broker=%s caller=%s metrics=%t@%s%s logger=%s/%s",
		broker, c.Caller.Name, c.Metrics.Enabled, c.Metrics.Address, c.Metrics.Path,
		c.Logger.Level, c.Logger.Format)
}
