package knowledge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is the YAML document read by `aurora ingest`.
type Seed struct {
	Entries []EntryInput `yaml:"entries"`
}

// LoadSeed reads a knowledge seed file.
func LoadSeed(path string) ([]EntryInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a knowledge seed document.
func ParseSeed(data []byte) ([]EntryInput, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("knowledge: parse seed: %w", err)
	}
	for i, in := range seed.Entries {
		if err := checkInput(in); err != nil {
			return nil, fmt.Errorf("knowledge: seed entry %d: %w", i, err)
		}
	}
	return seed.Entries, nil
}
