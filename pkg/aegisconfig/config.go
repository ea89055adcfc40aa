// Package aegisconfig loads the coordination core's configuration surface
// from environment variables, with an optional YAML file overlay for
// operators who prefer a config file.
package aegisconfig

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/aegis/pkg/aegiserr"
)

// Config is the full environment-driven configuration surface.
type Config struct {
	BrokerURL   string `env:"AEGIS_BROKER_URL" yaml:"broker_url"`
	ServiceName string `env:"AEGIS_SERVICE_NAME" yaml:"service_name"`
	InstanceID  string `env:"AEGIS_INSTANCE_ID" yaml:"instance_id"`

	RegistryTTLSeconds    int `env:"registry_ttl_seconds" envDefault:"30" yaml:"registry_ttl_seconds"`
	HeartbeatIntervalSecs int `env:"heartbeat_interval_seconds" envDefault:"10" yaml:"heartbeat_interval_seconds"`

	LeaderTTLSeconds             int `env:"leader_ttl_seconds" envDefault:"5" yaml:"leader_ttl_seconds"`
	LeaderHeartbeatIntervalSecs  int `env:"leader_heartbeat_interval_seconds" envDefault:"0" yaml:"leader_heartbeat_interval_seconds"`
	ElectionDelaySeconds         int `env:"election_delay_seconds" envDefault:"1" yaml:"election_delay_seconds"`

	FailoverMode string `env:"failover_mode" envDefault:"balanced" yaml:"failover_mode"`

	DrainTimeoutSeconds int    `env:"drain_timeout_seconds" envDefault:"5" yaml:"drain_timeout_seconds"`
	Serialization       string `env:"serialization" envDefault:"msgpack" yaml:"serialization"`
}

// Load reads configuration from the environment, applies defaults, then
// overlays a YAML file at yamlPath if non-empty, then validates required
// fields. An empty InstanceID is filled with a fresh UUIDv4 per §6's
// documented default.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, aegiserr.Wrap(aegiserr.KindConfig, "parsing config from environment", err)
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, aegiserr.Wrap(aegiserr.KindConfig, fmt.Sprintf("reading config file %s", yamlPath), err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, aegiserr.Wrap(aegiserr.KindConfig, fmt.Sprintf("parsing config file %s", yamlPath), err)
		}
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.LeaderHeartbeatIntervalSecs <= 0 {
		cfg.LeaderHeartbeatIntervalSecs = 0 // resolved to LeaderTTL/3 by the caller
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required fields are present.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return aegiserr.New(aegiserr.KindConfig, "AEGIS_BROKER_URL is required")
	}
	if c.ServiceName == "" {
		return aegiserr.New(aegiserr.KindConfig, "AEGIS_SERVICE_NAME is required")
	}
	switch c.Serialization {
	case "msgpack", "json":
	default:
		return aegiserr.Newf(aegiserr.KindConfig, "serialization must be msgpack or json, got %q", c.Serialization)
	}
	switch c.FailoverMode {
	case "aggressive", "balanced", "conservative":
	default:
		return aegiserr.Newf(aegiserr.KindConfig, "failover_mode must be aggressive, balanced or conservative, got %q", c.FailoverMode)
	}
	return nil
}
