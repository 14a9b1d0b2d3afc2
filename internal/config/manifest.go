package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Manifest lists what the system boots besides the core services.
//
//	log_level: debug
//	cores: 2
//	tasks:
//	  - name: pingpong
//	    rounds: 1000
type Manifest struct {
	LogLevel string `yaml:"log_level"`
	// Cores overrides the environment's core count when positive.
	Cores int    `yaml:"cores"`
	Tasks []Task `yaml:"tasks"`
}

// Task is one demo task to start.
type Task struct {
	Name   string `yaml:"name"`
	Rounds int    `yaml:"rounds"`
}

// ParseManifest decodes and checks a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	if m.Cores < 0 {
		return nil, fmt.Errorf("manifest: cores must not be negative")
	}
	for i, t := range m.Tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("manifest: task %d has no name", i)
		}
		if t.Rounds < 0 {
			return nil, fmt.Errorf("manifest: task %q: rounds must not be negative", t.Name)
		}
	}
	return &m, nil
}

// LoadManifest reads a manifest file. An empty path yields an empty manifest.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return &Manifest{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return ParseManifest(data)
}
