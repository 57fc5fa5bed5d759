// Package project persists the application configuration and named
// parameter profiles as YAML files.
package project

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/piwi3910/CablePlan/internal/model"
)

// DefaultConfigDir returns the default directory for application configuration.
// On all platforms this is ~/.cableplan/
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cableplan")
}

// DefaultConfigPath returns the default path for the application config file.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// SaveConfig persists an AppConfig to the given path as YAML.
// It creates any missing parent directories automatically.
func SaveConfig(path string, config model.AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LoadConfig reads an AppConfig from the given path. The file is decoded
// over DefaultAppConfig, so settings it leaves out keep their defaults.
// If the file does not exist, it returns DefaultAppConfig with no error.
func LoadConfig(path string) (model.AppConfig, error) {
	config := model.DefaultAppConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return model.AppConfig{}, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return config, nil
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return model.AppConfig{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if config.Parameters.SpecificBatchSizes == nil {
		config.Parameters.SpecificBatchSizes = map[int]float64{}
	}
	if err := config.Parameters.Validate(); err != nil {
		return model.AppConfig{}, fmt.Errorf("invalid parameters in %s: %w", path, err)
	}
	return config, nil
}
