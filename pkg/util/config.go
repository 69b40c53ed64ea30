// Package util loads and saves SSH monitor configuration files.
package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/supporttools/ssh-monitor/pkg/types"
)

// LoadConfig loads configuration from a file (YAML, JSON or TOML).
// The file format is determined by extension (.yaml, .yml, .json, .toml).
// Environment variables are substituted, defaults are applied, and validation is performed.
func LoadConfig(path string) (*types.SSHMonitorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Substitute in raw data so ${PORT} works in non-string fields too.
	data = []byte(types.ExpandEnv(string(data)))

	config, err := parseConfig(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.SubstituteEnvVars()

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func parseConfig(data []byte, ext string) (*types.SSHMonitorConfig, error) {
	var config types.SSHMonitorConfig
	var err error

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	case ".json":
		err = json.Unmarshal(data, &config)
	case ".toml":
		_, err = toml.Decode(string(data), &config)
	default:
		// Try YAML first, then JSON
		err = yaml.Unmarshal(data, &config)
		if err != nil {
			config = types.SSHMonitorConfig{}
			err = json.Unmarshal(data, &config)
		}
	}

	if err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultConfig returns a starting configuration with one SSH monitor
// pointed at localhost as the current user. It is meant to be written out
// and edited.
func DefaultConfig() (*types.SSHMonitorConfig, error) {
	username := os.Getenv("USER")
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		} else {
			username = "root"
		}
	}

	config := &types.SSHMonitorConfig{
		APIVersion: types.DefaultAPIVersion,
		Kind:       types.ConfigKind,
		Metadata: types.ConfigMetadata{
			Name: "default",
		},
		Monitors: []types.MonitorConfig{
			{
				Name:    "target",
				Type:    "ssh",
				Enabled: true,
				Config: map[string]interface{}{
					"hostname":       "localhost",
					"port":           22,
					"username":       username,
					"passwordEnv":    "SSH_MONITOR_PASSWORD",
					"statusCommand":  "true",
					"restartCommand": "",
					"retryInterval":  "1s",
				},
			},
		},
		Exporters: types.ExporterConfigs{
			Prometheus: &types.PrometheusExporterConfig{
				Enabled: false,
			},
		},
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("default config validation failed: %w", err)
	}

	return config, nil
}

// SaveConfig saves configuration to a file (YAML, JSON or TOML based on extension).
func SaveConfig(config *types.SSHMonitorConfig, path string) error {
	ext := filepath.Ext(path)

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(config)
		data = buf.Bytes()
	default:
		return fmt.Errorf("unsupported file extension: %s (use .yaml, .yml, .json or .toml)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold a password.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ValidateConfigFile loads path and reports any parse or validation error.
func ValidateConfigFile(path string) error {
	_, err := LoadConfig(path)
	return err
}
