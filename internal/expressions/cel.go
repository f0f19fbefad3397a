package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/conductor/pkg/schema"
)

// Predicate inputs. A name missing from the facts is bound to an empty map
// (or an empty list for items).
const (
	celRun    = "run"    // run metadata: objective, status, version
	celCounts = "counts" // item counts keyed by status, plus "active"
	celItems  = "items"  // the agenda in creation order
	celItem   = "item"   // the item under consideration, if any
)

// CELEngine answers yes/no questions about a run, such as "all required
// work is done" or "nothing can make progress".
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine with the run-predicate environment.
func NewCELEngine() (*CELEngine, error) {
	facts := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable(celRun, facts),
		cel.Variable(celCounts, facts),
		cel.Variable(celItems, cel.ListType(cel.DynType)),
		cel.Variable(celItem, facts),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Compile checks a predicate at startup so a typo fails configuration
// loading rather than a run.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate runs the predicate and returns its native Go value.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, facts map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	val, _, err := prg.ContextEval(ctx, activation(facts))
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return val.Value(), nil
}

// EvaluateBool runs a predicate and insists on a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, facts map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, facts)
	if err != nil {
		return false, err
	}
	if b, ok := out.(bool); ok {
		return b, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeExpression,
		"CEL predicate %q returned %T, want bool", expression, out).
		WithDetails(map[string]any{"expression": expression})
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, emptyError("CEL")
	}
	return e.programs.load(expression, func() (cel.Program, error) {
		ast, iss := e.env.Compile(expression)
		if err := iss.Err(); err != nil {
			return nil, compileError("CEL", expression, err)
		}
		prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
		if err != nil {
			return nil, compileError("CEL", expression, err)
		}
		return prg, nil
	})
}

func activation(facts map[string]any) map[string]any {
	act := map[string]any{
		celRun:    map[string]any{},
		celCounts: map[string]any{},
		celItems:  []any{},
		celItem:   map[string]any{},
	}
	for name := range act {
		if v, ok := facts[name]; ok && v != nil {
			act[name] = v
		}
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
