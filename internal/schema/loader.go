package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// manifestFile is the on-disk shape of a NodeType's schema manifest,
// loadable from YAML in addition to being declared directly in Go code.
type manifestFile struct {
	Input  []Field `yaml:"input"`
	Output []Field `yaml:"output"`
}

// LoadManifest reads a NodeType's input/output schema declaration from a
// YAML file. It is an alternative to registering a NodeType's schema
// directly in Go, useful for operators describing a node type without
// recompiling it.
func LoadManifest(path string) (input, output Schema, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, Schema{}, fmt.Errorf("read schema manifest: %w", err)
	}
	var m manifestFile
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Schema{}, Schema{}, fmt.Errorf("parse schema manifest: %w", err)
	}
	input = Schema{Fields: m.Input}
	output = Schema{Fields: m.Output}
	if err := Disjoint(input, output); err != nil {
		return Schema{}, Schema{}, err
	}
	return input, output, nil
}
