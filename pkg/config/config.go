package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the orchestrator daemon's full configuration tree. Values come
// from a YAML file, AGENTPLANE_* environment variables and bound flags, in
// that order of increasing precedence.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Storage  Storage  `mapstructure:"storage"`
	EventLog EventLog `mapstructure:"eventlog"`
	Worker   Worker   `mapstructure:"worker"`
	Stages   Stages   `mapstructure:"stages"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Tracing  Tracing  `mapstructure:"tracing"`
	Log      Log      `mapstructure:"log"`
}

// Server configures the intake/status API listener.
type Server struct {
	Listen string `mapstructure:"listen"`
}

// Storage configures the embedded database.
type Storage struct {
	Path string `mapstructure:"path"`
}

// EventLog configures the durable log.
type EventLog struct {
	Partitions int    `mapstructure:"partitions"`
	Group      string `mapstructure:"group"`
}

// Worker configures the pipeline worker pool.
type Worker struct {
	Count             int           `mapstructure:"count"`
	Concurrency       int           `mapstructure:"concurrency"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	Retry             Retry         `mapstructure:"retry"`
}

// Retry bounds transient-failure retries per stage.
type Retry struct {
	BuildBudget     int           `mapstructure:"build_budget"`
	DeployBudget    int           `mapstructure:"deploy_budget"`
	RegisterBudget  int           `mapstructure:"register_budget"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// Stages configures the three external stage boundaries.
type Stages struct {
	Build   BuildStage   `mapstructure:"build"`
	Deploy  DeployStage  `mapstructure:"deploy"`
	Gateway GatewayStage `mapstructure:"gateway"`
}

// BuildStage configures the build engine client.
type BuildStage struct {
	Endpoint     string        `mapstructure:"endpoint"`
	Registry     string        `mapstructure:"registry"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DeployStage configures the cluster scheduler client.
type DeployStage struct {
	Endpoint         string        `mapstructure:"endpoint"`
	AgentPort        int           `mapstructure:"agent_port"`
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
}

// GatewayStage configures the gateway admin client.
type GatewayStage struct {
	Endpoint       string        `mapstructure:"endpoint"`
	RoutePrefix    string        `mapstructure:"route_prefix"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

// Metrics configures the Prometheus listener.
type Metrics struct {
	Listen string `mapstructure:"listen"`
}

// Tracing configures the OTLP trace exporter.
type Tracing struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// Log configures structured logging.
type Log struct {
	Level string `mapstructure:"level"`
}

// SetDefaults registers every default on a viper instance, so config files,
// environment variables and flags only name what they override. Registering
// the full key set also makes AGENTPLANE_* env overrides visible to Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")

	v.SetDefault("storage.path", "agentplane.db")

	v.SetDefault("eventlog.partitions", 8)
	v.SetDefault("eventlog.group", "orchestrator")

	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", 500*time.Millisecond)
	v.SetDefault("worker.lease_ttl", 30*time.Second)
	v.SetDefault("worker.heartbeat_interval", 5*time.Second)
	v.SetDefault("worker.stale_after", 15*time.Second)
	v.SetDefault("worker.retry.build_budget", 3)
	v.SetDefault("worker.retry.deploy_budget", 1)
	v.SetDefault("worker.retry.register_budget", 3)
	v.SetDefault("worker.retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("worker.retry.multiplier", 2.0)
	v.SetDefault("worker.retry.max_interval", 30*time.Second)

	v.SetDefault("stages.build.endpoint", "")
	v.SetDefault("stages.build.registry", "")
	v.SetDefault("stages.build.timeout", 10*time.Minute)
	v.SetDefault("stages.build.poll_interval", 2*time.Second)
	v.SetDefault("stages.deploy.endpoint", "")
	v.SetDefault("stages.deploy.agent_port", 5000)
	v.SetDefault("stages.deploy.readiness_timeout", 60*time.Second)
	v.SetDefault("stages.deploy.poll_interval", 2*time.Second)
	v.SetDefault("stages.gateway.endpoint", "")
	v.SetDefault("stages.gateway.route_prefix", "/agents")
	v.SetDefault("stages.gateway.timeout", 15*time.Second)
	v.SetDefault("stages.gateway.confirm_timeout", 30*time.Second)

	v.SetDefault("metrics.listen", ":9091")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.insecure", true)

	v.SetDefault("log.level", "info")
}

// Load builds and validates the tree from a viper instance. The caller has
// already bound flags and environment; if the `config` key names a file it is
// read first.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields no default can supply and the ranges the
// pipeline depends on.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server listen address is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if c.EventLog.Partitions <= 0 {
		return fmt.Errorf("eventlog partitions must be positive")
	}
	if c.EventLog.Group == "" {
		return fmt.Errorf("eventlog group is required")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive")
	}
	if c.Worker.LeaseTTL <= 0 {
		return fmt.Errorf("worker lease ttl must be positive")
	}
	if c.Stages.Build.Endpoint == "" {
		return fmt.Errorf("build endpoint is required")
	}
	if c.Stages.Build.Registry == "" {
		return fmt.Errorf("build registry is required")
	}
	if c.Stages.Deploy.Endpoint == "" {
		return fmt.Errorf("deploy endpoint is required")
	}
	if c.Stages.Gateway.Endpoint == "" {
		return fmt.Errorf("gateway endpoint is required")
	}
	if !strings.HasPrefix(c.Stages.Gateway.RoutePrefix, "/") {
		return fmt.Errorf("gateway route prefix must start with /")
	}
	if c.Metrics.Listen == "" {
		return fmt.Errorf("metrics listen address is required")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}
	return nil
}
