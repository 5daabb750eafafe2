package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// parseBytes auto-detects JSON vs YAML and unmarshals into a Config,
// matching the teacher's format-agnostic config loading idiom.
func parseBytes(data []byte) (Config, error) {
	var cfg Config
	trimmed := bytes.TrimSpace(data)
	isJSON := len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')

	var err error
	if isJSON {
		err = json.Unmarshal(data, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("parse config (JSON): %w", err)
		}
	} else {
		err = yaml.Unmarshal(data, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("parse config (YAML): %w", err)
		}
	}
	return cfg, nil
}
