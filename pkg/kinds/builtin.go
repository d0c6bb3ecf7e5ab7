package kinds

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed builtin.yaml
var builtinYAML []byte

// File is the on-disk layout of a kinds file.
type File struct {
	Kinds []Definition `yaml:"kinds"`
}

// ParseDefinitions decodes a kinds YAML document.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse kinds: %w", err)
	}
	return f.Kinds, nil
}

// Builtin returns the definitions shipped with the binary.
func Builtin() []Definition {
	defs, err := ParseDefinitions(builtinYAML)
	if err != nil {
		panic(fmt.Sprintf("kinds: embedded definitions: %v", err))
	}
	return defs
}

// NewBuiltinRegistry returns a registry loaded with the built-in kinds.
func NewBuiltinRegistry() (*Registry, error) {
	r, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	if err := r.RegisterAll(Builtin()); err != nil {
		return nil, err
	}
	return r, nil
}
