package jobspec

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"
)

// CondaEnv mirrors the conda environment file format used to declare the
// dependency set of a managed execution environment. Dependencies are either
// package strings ("numpy=1.26") or a nested pip block, which conda encodes
// as a map entry.
type CondaEnv struct {
	Name         string        `yaml:"name,omitempty"`
	Channels     []string      `yaml:"channels,omitempty"`
	Dependencies []interface{} `yaml:"dependencies"`
}

// ParseCondaEnv decodes a conda environment file.
func ParseCondaEnv(r io.Reader) (*CondaEnv, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read conda file: %w", err)
	}

	var env CondaEnv
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse conda file: %w", err)
	}
	if len(env.Dependencies) == 0 {
		return nil, fmt.Errorf("conda file declares no dependencies")
	}
	return &env, nil
}

// LoadCondaEnv reads a conda environment file from disk.
func LoadCondaEnv(path string) (*CondaEnv, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open conda file %s: %w", path, err)
	}
	defer file.Close()

	return ParseCondaEnv(file)
}

// Packages flattens the dependency list into plain package strings. Pip
// sub-dependencies are prefixed with "pip:" so the two namespaces stay
// distinguishable.
func (e *CondaEnv) Packages() []string {
	var pkgs []string
	for _, dep := range e.Dependencies {
		switch d := dep.(type) {
		case string:
			pkgs = append(pkgs, d)
		case map[interface{}]interface{}:
			pipDeps, ok := d["pip"].([]interface{})
			if !ok {
				continue
			}
			for _, p := range pipDeps {
				if s, ok := p.(string); ok {
					pkgs = append(pkgs, "pip:"+s)
				}
			}
		}
	}
	return pkgs
}
