// Package configs loads the optional static-topology file (brokerage base
// URLs — the pieces of configuration that rarely differ between
// environments of the same deployment). It descends directly from the
// teacher's own YAML config loader; env vars decoded by internal/config
// always take precedence where both are set. Alerting and circuit-breaker
// parameters are environment-only (internal/config.Settings) — they were
// previously also declared here but never read, so that duplicate surface
// was removed rather than kept alongside the env-var one.
package configs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Topology represents the entire static configuration structure from
// config.yml.
type Topology struct {
	Alpaca AlpacaYAMLData `yaml:"alpaca"`
}

type AlpacaYAMLData struct {
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	StreamURL string `yaml:"stream_url"`
}

// LoadTopology reads and parses path into a Topology struct. A missing
// file is not an error — callers fall back to env-var-only configuration.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Topology{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}

	var topology Topology
	if err := yaml.Unmarshal(data, &topology); err != nil {
		return nil, fmt.Errorf("parse topology YAML: %w", err)
	}
	return &topology, nil
}
