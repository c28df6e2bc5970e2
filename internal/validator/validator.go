// Package validator statically checks a generated step's source before the
// executor touches it: parseability, import allow-list, signature shape,
// carry preamble, name resolution, nesting depth, dangerous calls, and the
// carry-key contract. On success the outer function is renamed to the step
// name and the source is returned in canonical (gofmt) form.
package validator

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"go/types"
	"sort"
	"strconv"
	"strings"

	"taskweave/internal/logging"
)

// Options describes the step being validated.
type Options struct {
	StepName   string
	StepIndex  int
	TotalSteps int
	// AllowedLibraries are the chosen tool's import prefixes; the safe
	// standard-library set is always added.
	AllowedLibraries []string
	// PredecessorKeys enables the carry-key contract when non-nil: every
	// string-literal key read from the carry must be present here.
	PredecessorKeys []string
}

// Result is the validation outcome. When OK, CanonicalSource holds the
// renamed, gofmt-formatted source ready for the sandbox.
type Result struct {
	OK              bool
	CanonicalSource string
	Errors          []string
}

// CarryParam is the required name of the carry parameter on steps after the
// first.
const CarryParam = "previous_output"

// CarryVar is the local the preamble must bind the copied carry to.
const CarryVar = "updated_dict"

// CopyFunc is the ambient helper the preamble must call.
const CopyFunc = "copy_dict"

// AmbientNames are injected into every step sandbox and always resolve.
var AmbientNames = map[string]bool{
	"logger":     true,
	"session_id": true,
	"emit":       true,
	"copy_dict":  true,
	"carry_get":  true,
	"error_log":  true,
}

// SafeModules is the standard-library allow-list merged into every step's
// import permissions.
var SafeModules = []string{
	"bytes",
	"container/heap",
	"container/list",
	"encoding/base64",
	"encoding/csv",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"math/cmplx",
	"math/rand",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

// dangerousCalls maps package selector roots to forbidden functions; "*"
// forbids the whole package. Covers dynamic code execution, shell execution,
// and opaque blob deserialization.
var dangerousCalls = map[string]map[string]bool{
	"exec":    {"*": true},
	"plugin":  {"*": true},
	"interp":  {"*": true},
	"unsafe":  {"*": true},
	"gob":     {"*": true},
	"syscall": {"Exec": true, "ForkExec": true, "StartProcess": true},
	"os":      {"StartProcess": true},
}

// Validate runs every static rule against the step source.
func Validate(source string, opts Options) Result {
	timer := logging.StartTimer(logging.CategoryValidator, "Validate "+opts.StepName)
	defer timer.Stop()

	src := ensurePackageClause(source)

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, opts.StepName+".go", src, 0)
	if err != nil {
		return fail("source does not parse: " + err.Error())
	}

	var errs []string

	imports := collectImports(file, &errs)
	checkImports(imports, opts.AllowedLibraries, &errs)

	fn := findSingleFunction(file, &errs)
	if fn == nil {
		return fail(errs...)
	}

	checkSignature(fn, opts, &errs)
	if opts.StepIndex > 0 {
		checkCarryPreamble(fn, &errs)
	}
	checkNestingDepth(fn, &errs)
	checkDangerousCalls(fn, &errs)
	checkNameResolution(fn, imports, &errs)
	if opts.PredecessorKeys != nil {
		checkCarryKeys(fn, opts.PredecessorKeys, &errs)
	}

	if len(errs) > 0 {
		logging.Validator("step %q rejected: %d errors", opts.StepName, len(errs))
		return fail(errs...)
	}

	// Rename the outer callable to the step name and reprint. gofmt output
	// makes revalidation of a canonical source byte-identical.
	fn.Name = ast.NewIdent(opts.StepName)
	var buf bytes.Buffer
	if err := format.Node(&buf, fset, file); err != nil {
		return fail("failed to render canonical source: " + err.Error())
	}

	return Result{OK: true, CanonicalSource: buf.String()}
}

func fail(errs ...string) Result {
	return Result{OK: false, Errors: errs}
}

// ErrorText joins a failed result's errors for the repair prompt.
func (r Result) ErrorText() string {
	return strings.Join(r.Errors, "; ")
}

// ensurePackageClause wraps bare function source into package main.
func ensurePackageClause(source string) string {
	trimmed := strings.TrimSpace(source)
	if strings.HasPrefix(trimmed, "package ") {
		return trimmed
	}
	return "package main\n\n" + trimmed
}

type importEntry struct {
	path  string
	local string // resolved local identifier
}

func collectImports(file *ast.File, errs *[]string) []importEntry {
	var out []importEntry
	for _, spec := range file.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			*errs = append(*errs, "unreadable import path "+spec.Path.Value)
			continue
		}
		local := path
		if i := strings.LastIndex(local, "/"); i >= 0 {
			local = local[i+1:]
		}
		if spec.Name != nil {
			local = spec.Name.Name
		}
		out = append(out, importEntry{path: path, local: local})
	}
	return out
}

func checkImports(imports []importEntry, allowed []string, errs *[]string) {
	permitted := append(append([]string(nil), allowed...), SafeModules...)
	for _, imp := range imports {
		if strings.HasPrefix(imp.path, "./") || strings.HasPrefix(imp.path, "../") {
			*errs = append(*errs, fmt.Sprintf("relative import %q is forbidden", imp.path))
			continue
		}
		ok := false
		for _, p := range permitted {
			if imp.path == p || strings.HasPrefix(imp.path, p+"/") {
				ok = true
				break
			}
		}
		if !ok {
			*errs = append(*errs, fmt.Sprintf("import %q is not in the allowed libraries for this step", imp.path))
		}
	}
}

// findSingleFunction enforces "exactly one top-level callable, imports only
// otherwise".
func findSingleFunction(file *ast.File, errs *[]string) *ast.FuncDecl {
	var fns []*ast.FuncDecl
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv != nil {
				*errs = append(*errs, fmt.Sprintf("method declarations are not allowed (found %s)", d.Name.Name))
				continue
			}
			fns = append(fns, d)
		case *ast.GenDecl:
			if d.Tok != token.IMPORT {
				*errs = append(*errs, "only imports and a single function are allowed at top level")
			}
		default:
			*errs = append(*errs, "unexpected top-level declaration")
		}
	}
	if len(fns) != 1 {
		*errs = append(*errs, fmt.Sprintf("expected exactly one top-level function, found %d", len(fns)))
		return nil
	}
	return fns[0]
}

func checkSignature(fn *ast.FuncDecl, opts Options, errs *[]string) {
	params := fn.Type.Params
	var flat []*ast.Field
	if params != nil {
		flat = params.List
	}

	for _, f := range flat {
		if _, variadic := f.Type.(*ast.Ellipsis); variadic {
			*errs = append(*errs, "variadic parameters are not allowed")
			return
		}
	}

	count := 0
	for _, f := range flat {
		if n := len(f.Names); n > 0 {
			count += n
		} else {
			count++
		}
	}

	if opts.StepIndex == 0 {
		// The first step is invoked with no arguments; it must not require
		// any input.
		if count != 0 {
			*errs = append(*errs, fmt.Sprintf("step 0 must take no parameters, found %d", count))
		}
		return
	}

	if count != 1 {
		*errs = append(*errs, fmt.Sprintf("steps after the first must take exactly the %s parameter, found %d parameters", CarryParam, count))
		return
	}
	field := flat[0]
	if len(field.Names) != 1 || field.Names[0].Name != CarryParam {
		*errs = append(*errs, fmt.Sprintf("the carry parameter must be named %s", CarryParam))
	}
	if !isCarryMapType(field.Type) {
		*errs = append(*errs, fmt.Sprintf("%s must be of type map[string]interface{}", CarryParam))
	}
}

// isCarryMapType accepts map[string]interface{} and map[string]any.
func isCarryMapType(expr ast.Expr) bool {
	m, ok := expr.(*ast.MapType)
	if !ok {
		return false
	}
	key, ok := m.Key.(*ast.Ident)
	if !ok || key.Name != "string" {
		return false
	}
	switch v := m.Value.(type) {
	case *ast.InterfaceType:
		return v.Methods == nil || len(v.Methods.List) == 0
	case *ast.Ident:
		return v.Name == "any"
	}
	return false
}

// checkCarryPreamble requires updated_dict := copy_dict(previous_output)
// somewhere in the body.
func checkCarryPreamble(fn *ast.FuncDecl, errs *[]string) {
	found := false
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		assign, ok := n.(*ast.AssignStmt)
		if !ok || len(assign.Lhs) != 1 || len(assign.Rhs) != 1 {
			return true
		}
		lhs, ok := assign.Lhs[0].(*ast.Ident)
		if !ok || lhs.Name != CarryVar {
			return true
		}
		call, ok := assign.Rhs[0].(*ast.CallExpr)
		if !ok || len(call.Args) != 1 {
			return true
		}
		fun, ok := call.Fun.(*ast.Ident)
		if !ok || fun.Name != CopyFunc {
			return true
		}
		arg, ok := call.Args[0].(*ast.Ident)
		if ok && arg.Name == CarryParam {
			found = true
			return false
		}
		return true
	})
	if !found {
		*errs = append(*errs, fmt.Sprintf("missing carry preamble: %s := %s(%s)", CarryVar, CopyFunc, CarryParam))
	}
}

// checkNestingDepth rejects function literals nested more than one level
// inside the step callable.
func checkNestingDepth(fn *ast.FuncDecl, errs *[]string) {
	var walk func(n ast.Node, depth int)
	tooDeep := false
	walk = func(n ast.Node, depth int) {
		ast.Inspect(n, func(inner ast.Node) bool {
			if inner == n {
				return true
			}
			if lit, ok := inner.(*ast.FuncLit); ok {
				if depth >= 1 {
					tooDeep = true
					return false
				}
				walk(lit.Body, depth+1)
				return false
			}
			return true
		})
	}
	walk(fn.Body, 0)
	if tooDeep {
		*errs = append(*errs, "function nesting deeper than one level is not allowed")
	}
}

func checkDangerousCalls(fn *ast.FuncDecl, errs *[]string) {
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		root, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		if banned, known := dangerousCalls[root.Name]; known {
			if banned["*"] || banned[sel.Sel.Name] {
				*errs = append(*errs, fmt.Sprintf("call to %s.%s is forbidden", root.Name, sel.Sel.Name))
			}
		}
		return true
	})
}

// checkNameResolution verifies every loaded identifier is a language
// built-in, a parameter, assigned in the function, imported, or ambient.
// Scoping is approximated as flat within the step function, which matches
// the shapes the planner emits.
func checkNameResolution(fn *ast.FuncDecl, imports []importEntry, errs *[]string) {
	declared := map[string]bool{}

	if fn.Type.Params != nil {
		for _, f := range fn.Type.Params.List {
			for _, name := range f.Names {
				declared[name.Name] = true
			}
		}
	}
	if fn.Type.Results != nil {
		for _, f := range fn.Type.Results.List {
			for _, name := range f.Names {
				declared[name.Name] = true
			}
		}
	}

	ast.Inspect(fn.Body, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.AssignStmt:
			if node.Tok == token.DEFINE {
				for _, lhs := range node.Lhs {
					if id, ok := lhs.(*ast.Ident); ok {
						declared[id.Name] = true
					}
				}
			}
		case *ast.ValueSpec:
			for _, name := range node.Names {
				declared[name.Name] = true
			}
		case *ast.RangeStmt:
			if node.Tok == token.DEFINE {
				if id, ok := node.Key.(*ast.Ident); ok {
					declared[id.Name] = true
				}
				if id, ok := node.Value.(*ast.Ident); ok {
					declared[id.Name] = true
				}
			}
		case *ast.FuncLit:
			if node.Type.Params != nil {
				for _, f := range node.Type.Params.List {
					for _, name := range f.Names {
						declared[name.Name] = true
					}
				}
			}
		case *ast.LabeledStmt:
			declared[node.Label.Name] = true
		case *ast.BranchStmt:
			if node.Label != nil {
				declared[node.Label.Name] = true
			}
		}
		return true
	})

	importLocals := map[string]bool{}
	for _, imp := range imports {
		importLocals[imp.local] = true
	}

	skip := skippableIdents(fn)

	undefined := map[string]bool{}
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		id, ok := n.(*ast.Ident)
		if !ok {
			return true
		}
		if skip[id] {
			return true
		}
		name := id.Name
		if name == "_" || declared[name] || importLocals[name] || AmbientNames[name] {
			return true
		}
		if types.Universe.Lookup(name) != nil {
			return true
		}
		undefined[name] = true
		return true
	})

	if len(undefined) > 0 {
		names := make([]string, 0, len(undefined))
		for n := range undefined {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			*errs = append(*errs, fmt.Sprintf("undefined name %q", n))
		}
	}
}

// skippableIdents marks identifiers that are not loads: selector fields,
// struct/composite literal keys, and field names inside type expressions.
func skippableIdents(fn *ast.FuncDecl) map[*ast.Ident]bool {
	skip := map[*ast.Ident]bool{}
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.SelectorExpr:
			skip[node.Sel] = true
		case *ast.KeyValueExpr:
			if id, ok := node.Key.(*ast.Ident); ok {
				skip[id] = true
			}
		case *ast.StructType:
			for _, f := range node.Fields.List {
				for _, name := range f.Names {
					skip[name] = true
				}
			}
		}
		return true
	})
	return skip
}

// checkCarryKeys enforces the dictionary-key contract: every string-literal
// key read from the carry must exist in the predecessor's output. Writes and
// non-literal keys are ignored.
func checkCarryKeys(fn *ast.FuncDecl, predecessorKeys []string, errs *[]string) {
	known := map[string]bool{}
	for _, k := range predecessorKeys {
		known[k] = true
	}

	// Index expressions on the left side of an assignment are stores, not
	// reads; the contract only constrains reads.
	stores := map[ast.Expr]bool{}
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		if assign, ok := n.(*ast.AssignStmt); ok {
			for _, lhs := range assign.Lhs {
				stores[lhs] = true
			}
		}
		return true
	})

	// Keys written earlier in the body satisfy later reads.
	written := map[string]bool{}
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		if assign, ok := n.(*ast.AssignStmt); ok {
			for _, lhs := range assign.Lhs {
				if key, ok := carryLiteralKey(lhs); ok {
					written[key] = true
				}
			}
		}
		return true
	})

	seen := map[string]bool{}
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.IndexExpr:
			if stores[node] {
				return true
			}
			if key, ok := carryLiteralKey(node); ok && !known[key] && !written[key] && !seen[key] {
				seen[key] = true
				*errs = append(*errs, fmt.Sprintf("carry key %q is not produced by the previous step", key))
			}
		case *ast.CallExpr:
			// carry_get(updated_dict, "key", default)
			fun, ok := node.Fun.(*ast.Ident)
			if !ok || fun.Name != "carry_get" || len(node.Args) < 2 {
				return true
			}
			lit, ok := node.Args[1].(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING {
				return true
			}
			key, err := strconv.Unquote(lit.Value)
			if err != nil {
				return true
			}
			if !known[key] && !written[key] && !seen[key] {
				seen[key] = true
				*errs = append(*errs, fmt.Sprintf("carry key %q is not produced by the previous step", key))
			}
		}
		return true
	})
}

// carryLiteralKey extracts the string literal from updated_dict["key"] or
// previous_output["key"].
func carryLiteralKey(expr ast.Expr) (string, bool) {
	idx, ok := expr.(*ast.IndexExpr)
	if !ok {
		return "", false
	}
	base, ok := idx.X.(*ast.Ident)
	if !ok || (base.Name != CarryVar && base.Name != CarryParam) {
		return "", false
	}
	lit, ok := idx.Index.(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return "", false
	}
	key, err := strconv.Unquote(lit.Value)
	if err != nil {
		return "", false
	}
	return key, true
}
