package action

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RegistryConfig describes how the action registry should behave.
type RegistryConfig struct {
	ActionDir string                  `yaml:"actionDir"`
	Defaults  IsolationPolicy         `yaml:"defaults"`
	Actions   map[string]ActionConfig `yaml:"actions"`
}

// ActionConfig is the configuration block for a single action instance.
type ActionConfig struct {
	Enabled bool             `yaml:"enabled"`
	Path    string           `yaml:"path"`
	Config  map[string]any   `yaml:"config"`
	Policy  *IsolationPolicy `yaml:"policy"`
}

// IsolationPolicy governs the security restrictions enforced for an action.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowedCapabilities"`
	DeniedCapabilities  []Capability `yaml:"deniedCapabilities"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// LoadRegistryConfig reads a YAML file into a RegistryConfig.
func LoadRegistryConfig(path string) (RegistryConfig, error) {
	var cfg RegistryConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read action config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal action config: %w", err)
	}
	if cfg.Actions == nil {
		cfg.Actions = map[string]ActionConfig{}
	}
	return cfg, nil
}

// Validate ensures the registry configuration is internally consistent.
func (c RegistryConfig) Validate() error {
	for id, action := range c.Actions {
		if id == "" {
			return errors.New("action id cannot be empty")
		}
		if !action.Enabled {
			continue
		}
		if action.Path == "" {
			return fmt.Errorf("action %s path cannot be empty when enabled", id)
		}
	}
	return nil
}
