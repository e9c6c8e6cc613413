package param

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML encoder configuration, applies defaults and validates
// the result.
func LoadFile(path string) (VideoParam, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return VideoParam{}, fmt.Errorf("param: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML encoder configuration. Unknown keys are rejected so
// that typos do not silently fall back to defaults.
func Parse(data []byte) (VideoParam, error) {
	var par VideoParam
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&par); err != nil {
		return VideoParam{}, fmt.Errorf("param: decode config: %w", err)
	}
	par.Derive()
	if err := par.Validate(); err != nil {
		return VideoParam{}, err
	}
	return par, nil
}

// Marshal renders the parameters back to YAML, e.g. for logging the
// effective configuration.
func (p VideoParam) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}
