// Package condition evaluates the attribute-based predicates optionally
// attached to tuples. Expressions are CEL; the activation is the tuple's
// stored context merged with the caller-provided request context.
package condition

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/planhub/rebac/pkg/tuple"
)

// CompilationError is returned when a condition expression fails to compile.
type CompilationError struct {
	Expression string
	Cause      error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile condition expression %q: %v", e.Expression, e.Cause)
}

func (e *CompilationError) Unwrap() error {
	return e.Cause
}

// EvaluationError is returned when a compiled condition fails at eval time,
// e.g. a referenced parameter is missing from the activation.
type EvaluationError struct {
	Expression string
	Cause      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate condition expression %q: %v", e.Expression, e.Cause)
}

func (e *EvaluationError) Unwrap() error {
	return e.Cause
}

// Evaluator compiles and evaluates tuple conditions. Compiled programs are
// cached per expression and parameter-name signature, so a hot tuple is
// compiled once. Safe for concurrent use.
type Evaluator struct {
	env *cel.Env

	// map: expression + parameter signature => cel.Program
	programs sync.Map
}

// NewEvaluator constructs an Evaluator with the base CEL environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(cel.EagerlyValidateDeclarations(true))
	if err != nil {
		return nil, fmt.Errorf("construct CEL base env: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// MustNewEvaluator is like NewEvaluator but panics on failure.
func MustNewEvaluator() *Evaluator {
	e, err := NewEvaluator()
	if err != nil {
		panic(err)
	}
	return e
}

// Evaluate reports whether the condition is met for the given request
// context. The tuple's stored context is the base activation; request
// context entries override it. A nil condition is met by definition.
func (e *Evaluator) Evaluate(cond *tuple.Condition, requestContext map[string]any) (bool, error) {
	if cond == nil {
		return true, nil
	}

	activation := cond.Context.Native()
	if activation == nil {
		activation = make(map[string]any, len(requestContext))
	}
	for k, v := range requestContext {
		activation[k] = v
	}

	prg, err := e.program(cond.Expression, activation)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, &EvaluationError{Expression: cond.Expression, Cause: err}
	}

	result, ok := out.(types.Bool)
	if !ok {
		return false, &EvaluationError{
			Expression: cond.Expression,
			Cause:      fmt.Errorf("expected bool result, got %s", out.Type().TypeName()),
		}
	}

	return bool(result), nil
}

func (e *Evaluator) program(expression string, activation map[string]any) (cel.Program, error) {
	names := make([]string, 0, len(activation))
	for name := range activation {
		names = append(names, name)
	}
	sort.Strings(names)

	cacheKey := expression + "\x00" + strings.Join(names, "\x00")
	if cached, ok := e.programs.Load(cacheKey); ok {
		return cached.(cel.Program), nil
	}

	envOpts := make([]cel.EnvOption, 0, len(names))
	for _, name := range names {
		envOpts = append(envOpts, cel.Variable(name, cel.DynType))
	}

	env, err := e.env.Extend(envOpts...)
	if err != nil {
		return nil, &CompilationError{Expression: expression, Cause: err}
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, &CompilationError{Expression: expression, Cause: issues.Err()}
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, &CompilationError{Expression: expression, Cause: err}
	}

	e.programs.Store(cacheKey, prg)
	return prg, nil
}
