package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/piwi3910/CablePlan/internal/model"
)

// ErrProfileNotFound is returned by FindProfile for an unknown name.
var ErrProfileNotFound = errors.New("profile not found")

// Profile is a named set of production parameters, such as a cautious
// plan with tighter delay limits.
type Profile struct {
	Name        string                     `yaml:"name"`
	Description string                     `yaml:"description,omitempty"`
	Parameters  model.ProductionParameters `yaml:"parameters"`
}

// DefaultProfilesPath returns the default file path for parameter profiles.
func DefaultProfilesPath() string {
	return filepath.Join(DefaultConfigDir(), "profiles.yaml")
}

// SaveProfiles saves profiles to a YAML file.
func SaveProfiles(path string, profiles []Profile) error {
	for _, p := range profiles {
		if p.Name == "" {
			return errors.New("profile has no name")
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(profiles)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadProfiles loads profiles from a YAML file. Each profile's parameters
// are decoded over the defaults. Returns an empty slice if the file does
// not exist.
func LoadProfiles(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Profile{}, nil
		}
		return nil, err
	}

	var nodes []yaml.Node
	if err := yaml.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("failed to parse profiles %s: %w", path, err)
	}

	profiles := make([]Profile, 0, len(nodes))
	for i := range nodes {
		p := Profile{Parameters: model.DefaultParameters()}
		if err := nodes[i].Decode(&p); err != nil {
			return nil, fmt.Errorf("profile %d: %w", i+1, err)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("profile %d has no name", i+1)
		}
		if err := p.Parameters.Validate(); err != nil {
			return nil, fmt.Errorf("profile %q: %w", p.Name, err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// FindProfile returns the profile called name.
func FindProfile(profiles []Profile, name string) (Profile, error) {
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
}

// ApplyProfile loads the profiles at path and replaces the parameters of
// config with those of the named profile.
func ApplyProfile(config model.AppConfig, path, name string) (model.AppConfig, error) {
	profiles, err := LoadProfiles(path)
	if err != nil {
		return config, err
	}
	p, err := FindProfile(profiles, name)
	if err != nil {
		return config, err
	}
	config.Parameters = p.Parameters
	return config, nil
}
