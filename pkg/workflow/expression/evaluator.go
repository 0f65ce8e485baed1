package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/quiverops/quiver/pkg/errors"
)

// Evaluator evaluates condition expressions against a run's execution
// state. It caches compiled expressions for repeated evaluations; the
// cache is safe for concurrent use across runs.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates an expression against the given state map, keyed by
// reference handle. Returns the boolean result or an error if compilation
// or evaluation fails.
//
// Example:
//
//	state := map[string]interface{}{
//	    "triage": map[string]interface{}{"severity": "high"},
//	}
//	result, err := eval.Evaluate(`triage.severity == "high"`, state)
func (e *Evaluator) Evaluate(expression string, state map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil // Empty expression defaults to true
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced handles exist",
		}
	}

	// Merge custom functions into the environment for runtime.
	// Note: "contains" is reserved in expr for string operations.
	env := make(map[string]interface{}, len(state)+3)
	for k, v := range state {
		env[k] = v
	}
	env["has"] = containsFunc
	env["includes"] = containsFunc
	env["length"] = lenFunc

	result, err := expr.Run(program, env)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that the referenced actions ran before this condition",
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >, etc.) or boolean functions",
		}
	}

	return boolResult, nil
}

// Validate checks that an expression compiles without evaluating it.
// Loaders use it to reject malformed conditions before a run starts.
func Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := compileProgram(expression)
	return err
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	// Check cache first (read lock)
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := compileProgram(expression)
	if err != nil {
		return nil, err
	}

	// Cache the compiled program (write lock)
	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

func compileProgram(expression string) (*vm.Program, error) {
	// Environment with custom functions. "contains" is a reserved string
	// operator in expr, so the helpers are named "has" and "includes".
	env := map[string]interface{}{
		"has":      containsFunc,
		"includes": containsFunc, // Alias
		"length":   lenFunc,
	}

	return expr.Compile(expression,
		expr.Env(env),
		// Handles are not known at compile time; the state map is
		// supplied at runtime.
		expr.AllowUndefinedVariables(),
		// Expression must return boolean
		expr.AsBool(),
	)
}

// ClearCache clears the expression cache.
// This is mainly useful for testing.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]*vm.Program)
	e.mu.Unlock()
}

// CacheSize returns the number of cached expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
