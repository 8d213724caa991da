package memory

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultSeed []byte

// Seed is the file format for intent rules and reply templates.
type Seed struct {
	Rules     []Rule         `yaml:"rules"`
	Templates []TemplateSpec `yaml:"templates"`
}

// DefaultSeed returns the built-in rules and templates.
func DefaultSeed() (*Seed, error) {
	return parseSeed(defaultSeed)
}

// LoadSeed reads a seed file; an empty path returns the built-in seed.
func LoadSeed(path string) (*Seed, error) {
	if path == "" {
		return DefaultSeed()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memory: read seed %s: %w", path, err)
	}
	return parseSeed(data)
}

func parseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("memory: parse seed: %w", err)
	}
	for i, r := range s.Rules {
		if r.Intent == "" {
			return nil, fmt.Errorf("memory: rule %d has no intent", i)
		}
	}
	for i, t := range s.Templates {
		if t.Intent == "" || len(t.Texts) == 0 {
			return nil, fmt.Errorf("memory: template %d needs an intent and texts", i)
		}
	}
	return &s, nil
}
