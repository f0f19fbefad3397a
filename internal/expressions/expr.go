package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions for routing rules: both the
// match condition and the rewritten objective. Programs are compiled with
// undefined variables allowed, so one compiled rule serves every run.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates an Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs the expression with every key of facts as a top-level name.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, facts map[string]any) (any, error) {
	prg, err := e.program(expression, facts)
	if err != nil {
		return nil, err
	}
	if facts == nil {
		facts = map[string]any{}
	}
	out, err := expr.Run(prg, facts)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

// Compile type-checks the expression against sample facts and caches it.
func (e *ExprEngine) Compile(expression string, sample map[string]any) error {
	_, err := e.program(expression, sample)
	return err
}

func (e *ExprEngine) program(expression string, facts map[string]any) (*vm.Program, error) {
	if expression == "" {
		return nil, emptyError("expr")
	}
	return e.programs.load(expression, func() (*vm.Program, error) {
		opts := []expr.Option{expr.AllowUndefinedVariables()}
		if facts != nil {
			opts = append(opts, expr.Env(facts))
		}
		prg, err := expr.Compile(expression, opts...)
		if err != nil {
			return nil, compileError("expr", expression, err)
		}
		return prg, nil
	})
}

var _ Engine = (*ExprEngine)(nil)
