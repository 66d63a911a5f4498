package libhive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var validClientName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// LoadInventory reads the client catalog from a YAML file.
func LoadInventory(file string) ([]*ClientDefinition, error) {
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseInventory(bytes.NewReader(content))
}

// ParseInventory decodes a client catalog. The catalog is a YAML list of
// client definitions:
//
//	- name: trin
//	  version: v0.1.0
//	  image: portalnetwork/trin:latest
//	  roles: [portal-history]
//
// Client order is preserved. Names must be unique.
func ParseInventory(r io.Reader) ([]*ClientDefinition, error) {
	var defs []*ClientDefinition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("invalid client catalog: %w", err)
	}

	seen := make(map[string]bool, len(defs))
	for i, def := range defs {
		if def == nil {
			return nil, fmt.Errorf("client catalog entry %d is empty", i)
		}
		if !validClientName.MatchString(def.Name) {
			return nil, fmt.Errorf("client catalog entry %d has invalid name %q", i, def.Name)
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateClientDef, def.Name)
		}
		seen[def.Name] = true
		if def.Image == "" {
			def.Image = def.Name
		}
	}
	return defs, nil
}
