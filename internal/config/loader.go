package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Dump renders the effective configuration as YAML under the root key.
func Dump(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(map[string]*Config{rootKey: cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}
