package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"taskweave/internal/logging"
)

type userToolsFile struct {
	Tools []ToolDescriptor `yaml:"tools"`
}

// LoadUserTools reads user tool descriptors from a YAML file. A missing
// path is not an error: running with builtins only is the common case.
func LoadUserTools(path string) ([]ToolDescriptor, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logging.Catalog("no user tools file at %s", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read user tools: %w", err)
	}

	var f userToolsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse user tools %s: %w", path, err)
	}

	var out []ToolDescriptor
	for _, t := range f.Tools {
		if err := Validate(t); err != nil {
			logging.Get(logging.CategoryCatalog).Warn("skipping user tool %q: %v", t.Name, err)
			continue
		}
		out = append(out, t)
	}
	logging.Catalog("loaded %d user tools from %s", len(out), path)
	return out, nil
}
