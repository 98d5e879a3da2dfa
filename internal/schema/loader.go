package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type file struct {
	Models []Model `yaml:"models"`
}

// LoadFile reads model descriptors from a YAML file and builds the registry
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return NewRegistry(f.Models...)
}
