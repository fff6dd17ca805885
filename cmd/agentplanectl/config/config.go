package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentplane/agentplane/pkg/api"
)

// Config is the CLI's client configuration: where the orchestrator lives and
// how long each request may take.
type Config struct {
	Server  string        `mapstructure:"server"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoadConfig resolves the client configuration for one command invocation.
// Precedence, lowest to highest: defaults, the config file (--config, or
// $HOME/.agentplane/config.yaml when present), AGENTPLANE_* environment
// variables, the --server flag. A missing config file is not an error.
func LoadConfig(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	v.SetDefault("server", "http://localhost:8080")
	v.SetDefault("timeout", 30*time.Second)
	v.SetEnvPrefix("AGENTPLANE")
	v.AutomaticEnv()

	file, _ := cmd.Flags().GetString("config")
	if file == "" {
		if home, err := os.UserHomeDir(); err == nil {
			file = filepath.Join(home, ".agentplane", "config.yaml")
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !isMissingConfig(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if server, _ := cmd.Flags().GetString("server"); server != "" {
		cfg.Server = server
	}
	return cfg, nil
}

// isMissingConfig reports whether err means the config file simply is not
// there, as opposed to unreadable or malformed.
func isMissingConfig(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return os.IsNotExist(err)
}

// NewAPIClient creates a client for the configured orchestrator.
func (c *Config) NewAPIClient() *api.Client {
	return api.NewClient(c.Server, c.Timeout)
}
