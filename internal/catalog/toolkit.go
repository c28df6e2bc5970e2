package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ToolkitInfo is what an adapter resolves to: the module steps import to
// reach the toolkit, a human description, and the inputs its entry point
// expects (in call order).
type ToolkitInfo struct {
	Module      string
	Description string
	EntryPoint  string
	Inputs      []string
}

// Resolver resolves a toolkit by name with adapter-specific parameters.
type Resolver func(params map[string]string) (*ToolkitInfo, error)

var (
	toolkitMu sync.RWMutex
	toolkits  = make(map[string]Resolver)
)

// RegisterToolkit installs a toolkit adapter. Later registrations under the
// same name win; tests rely on that.
func RegisterToolkit(name string, r Resolver) {
	toolkitMu.Lock()
	defer toolkitMu.Unlock()
	toolkits[name] = r
}

// RegisteredToolkits lists adapter names, sorted.
func RegisteredToolkits() []string {
	toolkitMu.RLock()
	defer toolkitMu.RUnlock()
	names := make([]string, 0, len(toolkits))
	for n := range toolkits {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// resolveToolkit converts a toolkit-tagged descriptor to the uniform shape:
// allowed libraries derive from the adapter module, instructions from the
// toolkit's own description, and the code example invokes the entry point
// with placeholders for the expected inputs. UseExactExample is forced on so
// the planner copies the invocation verbatim.
func resolveToolkit(t ToolDescriptor) (ToolDescriptor, error) {
	toolkitMu.RLock()
	r, ok := toolkits[t.Toolkit]
	toolkitMu.RUnlock()
	if !ok {
		return ToolDescriptor{}, fmt.Errorf("no adapter registered for toolkit %q", t.Toolkit)
	}

	info, err := r(t.ToolkitParams)
	if err != nil {
		return ToolDescriptor{}, err
	}
	if info == nil {
		return ToolDescriptor{}, fmt.Errorf("adapter for %q returned nothing", t.Toolkit)
	}

	out := ToolDescriptor{
		Name:             t.Name,
		Origin:           OriginToolkit,
		Toolkit:          t.Toolkit,
		AllowedLibraries: []string{info.Module},
		Instructions:     info.Description,
		CodeExample:      synthesizeExample(t.Name, info),
		UseExactExample:  true,
	}
	return out, nil
}

// synthesizeExample renders a callable invoking the toolkit entry point with
// <input> placeholders.
func synthesizeExample(name string, info *ToolkitInfo) string {
	args := make([]string, len(info.Inputs))
	for i, in := range info.Inputs {
		args[i] = fmt.Sprintf("%q", "<"+in+">")
	}
	pkg := info.Module
	if i := strings.LastIndex(pkg, "/"); i >= 0 {
		pkg = pkg[i+1:]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "import %q\n\n", info.Module)
	fmt.Fprintf(&sb, "func %s() map[string]interface{} {\n", name)
	fmt.Fprintf(&sb, "\tresult := %s.%s(%s)\n", pkg, info.EntryPoint, strings.Join(args, ", "))
	fmt.Fprintf(&sb, "\treturn map[string]interface{}{%q: result}\n", name+"_result")
	sb.WriteString("}\n")
	return sb.String()
}
