package config

import (
	"fmt"
	"os"
)

// Load reads an optional YAML/JSON config file at path (used for defaults),
// then layers environment variables on top per spec §6 ("enumerated"
// env vars are authoritative). path may be empty, in which case the
// returned Config is env-only.
func Load(path string) (*Config, error) {
	var base Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		base, err = parseBytes(data)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := FromEnv(base)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
