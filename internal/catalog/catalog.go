// Package catalog normalizes user-supplied and built-in tool descriptors
// into the immutable list consumed by the planner prompt and the validator's
// import allow-list.
package catalog

import (
	"fmt"
	"regexp"

	"taskweave/internal/config"
	"taskweave/internal/logging"
)

// Origin tags where a descriptor came from.
type Origin string

const (
	OriginBuiltin Origin = "builtin"
	OriginUser    Origin = "user"
	OriginToolkit Origin = "external_toolkit_adapter"
)

// ToolDescriptor is the uniform shape every tool resolves to. Descriptors
// are assembled once per request and immutable thereafter.
type ToolDescriptor struct {
	Name             string   `json:"name" yaml:"name"`
	AllowedLibraries []string `json:"allowed_libraries" yaml:"allowed_libraries"`
	Instructions     string   `json:"instructions" yaml:"instructions"`
	CodeExample      string   `json:"code_example" yaml:"code_example"`
	UseExactExample  bool     `json:"use_exact_example" yaml:"use_exact_example"`
	Origin           Origin   `json:"origin" yaml:"origin"`

	// Toolkit marks a descriptor that must be resolved through the adapter
	// registry before use.
	Toolkit       string            `json:"toolkit,omitempty" yaml:"toolkit,omitempty"`
	ToolkitParams map[string]string `json:"toolkit_params,omitempty" yaml:"toolkit_params,omitempty"`
}

// Catalog is the resolved, immutable tool list.
type Catalog struct {
	tools []ToolDescriptor
	index map[string]int
}

// Assemble builds the catalog from the union of user tools and the built-in
// set. Built-ins are gated by the config flag and per-name activation
// toggles. Toolkit entries are resolved through the adapter registry; a
// resolution failure drops the tool and planning proceeds.
func Assemble(cfg *config.ToolsConfig, userTools []ToolDescriptor) *Catalog {
	timer := logging.StartTimer(logging.CategoryCatalog, "Assemble")
	defer timer.Stop()

	var out []ToolDescriptor

	for _, t := range userTools {
		t.Origin = OriginUser
		if t.Toolkit != "" {
			t.Origin = OriginToolkit
			resolved, err := resolveToolkit(t)
			if err != nil {
				logging.Get(logging.CategoryCatalog).Error("toolkit %q resolution failed, dropping tool %q: %v",
					t.Toolkit, t.Name, err)
				continue
			}
			out = append(out, resolved)
			continue
		}
		out = append(out, substituteDescriptor(t, cfg.Variables))
	}

	if cfg.BuiltinEnabled {
		for _, t := range Builtins() {
			if enabled, known := cfg.Activation[t.Name]; known && !enabled {
				continue
			}
			out = append(out, substituteDescriptor(t, cfg.Variables))
		}
	}

	c := &Catalog{tools: out, index: make(map[string]int, len(out))}
	for i, t := range c.tools {
		c.index[t.Name] = i
	}
	logging.Catalog("assembled %d tools (%d user, builtins enabled=%v)",
		len(out), len(userTools), cfg.BuiltinEnabled)
	return c
}

// Tools returns the descriptor list. Callers must not mutate it.
func (c *Catalog) Tools() []ToolDescriptor {
	return c.tools
}

// Lookup returns the descriptor for a tool name.
func (c *Catalog) Lookup(name string) (ToolDescriptor, bool) {
	i, ok := c.index[name]
	if !ok {
		return ToolDescriptor{}, false
	}
	return c.tools[i], true
}

// AllowedLibraries returns the import prefixes a step using the named tool
// may use, or nil when the tool is unknown.
func (c *Catalog) AllowedLibraries(tool string) []string {
	t, ok := c.Lookup(tool)
	if !ok {
		return nil
	}
	return t.AllowedLibraries
}

// placeholderRe matches ${name} and $name tokens.
var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// Substitute replaces placeholder tokens with values from the variables
// table. Unresolved placeholders keep the original token intact, which makes
// the operation idempotent: substituting a fully-resolved string is a no-op.
func Substitute(s string, vars map[string]string) string {
	if len(vars) == 0 {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(tok string) string {
		m := placeholderRe.FindStringSubmatch(tok)
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if v, ok := vars[name]; ok {
			return v
		}
		return tok
	})
}

// substituteDescriptor deep-copies the descriptor and substitutes every
// string field.
func substituteDescriptor(t ToolDescriptor, vars map[string]string) ToolDescriptor {
	out := t
	out.AllowedLibraries = append([]string(nil), t.AllowedLibraries...)
	out.Instructions = Substitute(t.Instructions, vars)
	out.CodeExample = Substitute(t.CodeExample, vars)
	for i, lib := range out.AllowedLibraries {
		out.AllowedLibraries[i] = Substitute(lib, vars)
	}
	return out
}

// Validate checks descriptor basics before assembly.
func Validate(t ToolDescriptor) error {
	if t.Name == "" {
		return fmt.Errorf("tool descriptor missing name")
	}
	if t.Toolkit == "" && len(t.AllowedLibraries) == 0 {
		return fmt.Errorf("tool %q declares no allowed libraries", t.Name)
	}
	return nil
}
