package traits

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions maps a label to its human-readable description.
type Definitions map[Label]string

// LoadDefinitions reads a YAML (.yaml/.yml) or JSON file of label →
// definition. Keys outside the taxonomy are rejected. An empty path yields no
// definitions, which is not an error.
func LoadDefinitions(path string, taxonomy *Taxonomy) (Definitions, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Definitions{}, nil
	}
	body, err := os.ReadFile(path) // #nosec G304 - operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}

	raw := map[string]string{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(body, &raw)
	default:
		err = yaml.Unmarshal(body, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse definitions %s: %w", path, err)
	}
	return NewDefinitions(raw, taxonomy)
}

// NewDefinitions validates raw keys against the taxonomy.
func NewDefinitions(raw map[string]string, taxonomy *Taxonomy) (Definitions, error) {
	out := make(Definitions, len(raw))
	for k, v := range raw {
		l, err := taxonomy.Lookup(k)
		if err != nil {
			return nil, fmt.Errorf("definitions: %w", err)
		}
		out[l] = strings.TrimSpace(v)
	}
	return out, nil
}

// StringMap returns definitions keyed by plain string, nil when empty.
func (d Definitions) StringMap() map[string]string {
	if len(d) == 0 {
		return nil
	}
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[string(k)] = v
	}
	return out
}
