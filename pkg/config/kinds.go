package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/txgate/pkg/kinds"
)

// LoadKinds reads kind definitions from a YAML file. An empty path yields the
// built-in kinds.
func LoadKinds(path string) ([]kinds.Definition, error) {
	if path == "" {
		return kinds.Builtin(), nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read kinds file %s: %w", path, err)
	}
	defs, err := kinds.ParseDefinitions(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%s: no kinds defined", path)
	}
	return defs, nil
}

// LoadRegistry builds a kind registry from path, or from the built-ins when
// path is empty.
func LoadRegistry(path string) (*kinds.Registry, error) {
	defs, err := LoadKinds(path)
	if err != nil {
		return nil, err
	}
	r, err := kinds.NewRegistry()
	if err != nil {
		return nil, err
	}
	if err := r.RegisterAll(defs); err != nil {
		return nil, err
	}
	return r, nil
}
