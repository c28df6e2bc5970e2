package executor

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"taskweave/internal/logging"
)

// StepLogger is the "logger" ambient handed to step code. Errors flow into
// the execution log with the marker the repair loop scans for.
type StepLogger struct {
	log *logging.ExecutionLog
}

// Info logs step progress.
func (l *StepLogger) Info(format string, args ...interface{}) { l.log.Info(format, args...) }

// Warn logs a non-fatal condition.
func (l *StepLogger) Warn(format string, args ...interface{}) { l.log.Warn(format, args...) }

// Error logs a step failure; the executor treats it as grounds for repair.
func (l *StepLogger) Error(format string, args ...interface{}) { l.log.Error(format, args...) }

// Bindings are the ambient values injected into every step sandbox.
type Bindings struct {
	Log       *logging.ExecutionLog
	SessionID string
	// Emit forwards an event to the client stream. May be nil.
	Emit func(event, payload string)
	// Extra host packages exported to the interpreter, e.g. the
	// "agenttools" bridge to web search and retrieval.
	Extra interp.Exports
}

// Sandbox evaluates canonical step source in a fresh interpreter per step.
type Sandbox struct {
	bindings Bindings
	timeout  time.Duration
}

// NewSandbox builds a sandbox with the given ambient bindings.
func NewSandbox(bindings Bindings, timeout time.Duration) *Sandbox {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Sandbox{bindings: bindings, timeout: timeout}
}

// copyDict is the ambient carry-clone helper. A nil carry yields an empty
// map so step bodies never nil-check.
func copyDict(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// carryGet reads a carry key with a default.
func carryGet(m map[string]interface{}, key string, def interface{}) interface{} {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}

// preamble binds the ambient names into the interpreter's main package
// before the step source is evaluated.
const preamble = `
import "hostenv"

var (
	logger     = hostenv.Logger
	session_id = hostenv.SessionID
	emit       = hostenv.Emit
	copy_dict  = hostenv.CopyDict
	carry_get  = hostenv.CarryGet
	error_log  = hostenv.ErrorLog
)
`

// RunStep evaluates the canonical source in an isolated namespace and
// invokes the named step callable: with the carry for steps after the
// first, with no argument otherwise. The invocation is bounded by the
// sandbox timeout.
func (s *Sandbox) RunStep(ctx context.Context, name, canonicalSource string, stepIndex int, carry map[string]interface{}) (map[string]interface{}, error) {
	timer := logging.StartTimer(logging.CategoryExecutor, "RunStep "+name)
	defer timer.Stop()

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("sandbox: loading stdlib symbols: %w", err)
	}
	if err := i.Use(s.hostExports()); err != nil {
		return nil, fmt.Errorf("sandbox: loading host bindings: %w", err)
	}
	if len(s.bindings.Extra) > 0 {
		if err := i.Use(s.bindings.Extra); err != nil {
			return nil, fmt.Errorf("sandbox: loading extra bindings: %w", err)
		}
	}

	if _, err := i.Eval(preamble); err != nil {
		return nil, fmt.Errorf("sandbox: ambient preamble failed: %w", err)
	}
	if _, err := i.Eval(canonicalSource); err != nil {
		return nil, fmt.Errorf("sandbox: step %q does not evaluate: %w", name, err)
	}

	v, err := i.Eval("main." + name)
	if err != nil {
		return nil, fmt.Errorf("sandbox: step callable %q not found: %w", name, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		result map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("step %q panicked: %v", name, r)}
			}
		}()
		done <- outcome{result: s.invoke(v, stepIndex, carry, name)}
	}()

	select {
	case <-runCtx.Done():
		return nil, fmt.Errorf("step %q timed out after %v", name, s.timeout)
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	}
}

// invoke type-asserts the evaluated callable and calls it. A nil return
// becomes an empty carry so downstream key-preservation checks hold.
func (s *Sandbox) invoke(v reflect.Value, stepIndex int, carry map[string]interface{}, name string) map[string]interface{} {
	if stepIndex == 0 {
		fn, ok := v.Interface().(func() map[string]interface{})
		if !ok {
			panic(fmt.Sprintf("step %q has signature %T, want func() map[string]interface{}", name, v.Interface()))
		}
		out := fn()
		if out == nil {
			out = map[string]interface{}{}
		}
		return out
	}

	fn, ok := v.Interface().(func(map[string]interface{}) map[string]interface{})
	if !ok {
		panic(fmt.Sprintf("step %q has signature %T, want func(map[string]interface{}) map[string]interface{}", name, v.Interface()))
	}
	out := fn(carry)
	if out == nil {
		out = map[string]interface{}{}
	}
	return out
}

func (s *Sandbox) hostExports() interp.Exports {
	emit := s.bindings.Emit
	if emit == nil {
		emit = func(string, string) {}
	}
	log := s.bindings.Log
	errorLog := func(format string, args ...interface{}) {
		log.Error(format, args...)
	}
	return interp.Exports{
		"hostenv/hostenv": {
			"Logger":    reflect.ValueOf(&StepLogger{log: log}),
			"SessionID": reflect.ValueOf(s.bindings.SessionID),
			"Emit":      reflect.ValueOf(emit),
			"CopyDict":  reflect.ValueOf(copyDict),
			"CarryGet":  reflect.ValueOf(carryGet),
			"ErrorLog":  reflect.ValueOf(errorLog),
		},
	}
}
