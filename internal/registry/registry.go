// Package registry loads the tracked instrument universe from YAML.
package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

// Registry is a validated instrument universe.
type Registry struct {
	universe types.Universe
	index    map[string]int
}

// LoadFile loads and validates a registry YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading registry %s: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates registry YAML.
func Parse(data []byte) (*Registry, error) {
	var u types.Universe
	if err := yaml.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return New(u)
}

// New validates u and builds a registry from it.
func New(u types.Universe) (*Registry, error) {
	if err := Validate(&u); err != nil {
		return nil, err
	}
	index := make(map[string]int, len(u.Instruments))
	for i, inst := range u.Instruments {
		index[inst.Identifier] = i
	}
	return &Registry{universe: u, index: index}, nil
}

// Validate checks that a universe is well-formed.
func Validate(u *types.Universe) error {
	if u.Expected <= 0 {
		return fmt.Errorf("expected instrument count is required")
	}
	seen := make(map[string]bool, len(u.Instruments))
	for _, inst := range u.Instruments {
		if inst.Identifier == "" {
			return fmt.Errorf("instrument identifier is required")
		}
		if seen[inst.Identifier] {
			return fmt.Errorf("duplicate instrument %q", inst.Identifier)
		}
		seen[inst.Identifier] = true
	}
	return nil
}

// Expected returns the declared universe size.
func (r *Registry) Expected() int { return r.universe.Expected }

// Enabled returns the enabled instruments in file order.
func (r *Registry) Enabled() []types.Instrument {
	var out []types.Instrument
	for _, inst := range r.universe.Instruments {
		if inst.IsEnabled() {
			out = append(out, inst)
		}
	}
	return out
}

// Get returns an instrument by identifier.
func (r *Registry) Get(id string) (types.Instrument, error) {
	i, ok := r.index[id]
	if !ok {
		return types.Instrument{}, fmt.Errorf("instrument %q not found", id)
	}
	return r.universe.Instruments[i], nil
}

// Complete reports an error when the enabled count differs from the declared
// universe size, which means the registry is partial.
func (r *Registry) Complete() error {
	if n := len(r.Enabled()); n != r.universe.Expected {
		return fmt.Errorf("registry lists %d enabled instruments, expected %d", n, r.universe.Expected)
	}
	return nil
}
