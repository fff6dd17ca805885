package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

// newConfigCommand builds a command carrying the persistent flags LoadConfig
// reads, the same ones the real root command registers.
func newConfigCommand(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("server", "", "")
	cmd.Flags().String("config", "", "")
	return cmd
}

// writeConfig drops a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return file
}

func loadWith(t *testing.T, configFile, serverFlag string) (*Config, error) {
	t.Helper()
	cmd := newConfigCommand(t)
	if configFile != "" {
		if err := cmd.Flags().Set("config", configFile); err != nil {
			t.Fatalf("failed to set config flag: %v", err)
		}
	}
	if serverFlag != "" {
		if err := cmd.Flags().Set("server", serverFlag); err != nil {
			t.Fatalf("failed to set server flag: %v", err)
		}
	}
	return LoadConfig(cmd)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadWith(t, writeConfig(t, ""), "")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server != "http://localhost:8080" {
		t.Errorf("Server = %q, want %q", cfg.Server, "http://localhost:8080")
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadWith(t, filepath.Join(t.TempDir(), "does-not-exist.yaml"), "")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server != "http://localhost:8080" {
		t.Errorf("Server = %q, want default", cfg.Server)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	file := writeConfig(t, "server: \"http://orchestrator.internal:8080\"\ntimeout: 5s\n")

	cfg, err := loadWith(t, file, "")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server != "http://orchestrator.internal:8080" {
		t.Errorf("Server = %q, want the file value", cfg.Server)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Timeout)
	}
}

func TestLoadConfigMalformedFile(t *testing.T) {
	file := writeConfig(t, "server: [unbalanced\n")

	if _, err := loadWith(t, file, ""); err == nil {
		t.Fatal("LoadConfig() succeeded on a malformed config file")
	}
}

func TestLoadConfigFlagBeatsFile(t *testing.T) {
	file := writeConfig(t, "server: \"http://file-server:8080\"\n")

	cfg, err := loadWith(t, file, "http://flag-server:9090")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server != "http://flag-server:9090" {
		t.Errorf("Server = %q, want the flag value to win", cfg.Server)
	}
}

func TestLoadConfigEnvBeatsFile(t *testing.T) {
	t.Setenv("AGENTPLANE_SERVER", "http://env-server:7070")
	file := writeConfig(t, "server: \"http://file-server:8080\"\n")

	cfg, err := loadWith(t, file, "")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server != "http://env-server:7070" {
		t.Errorf("Server = %q, want the environment value to win", cfg.Server)
	}
}
