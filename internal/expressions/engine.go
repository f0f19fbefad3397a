package expressions

import (
	"context"
	"sync"

	"github.com/rendis/conductor/pkg/schema"
)

// Engine evaluates an expression against a set of named facts.
// CEL answers yes/no questions about a run, Expr drives routing rules, and
// GoJQ reshapes JSON payloads.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// compileError reports a parse or type-check failure. These are configuration
// mistakes, so they carry VALIDATION_ERROR.
func compileError(engine, expression string, err error) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func evalError(engine, expression string, err error) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeExpression,
		"%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func emptyError(engine string) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
}

// programCache memoizes compiled programs by source text. A failed compile
// is not cached.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{programs: make(map[string]P)}
}

func (c *programCache[P]) load(source string, compile func() (P, error)) (P, error) {
	c.mu.RLock()
	p, hit := c.programs[source]
	c.mu.RUnlock()
	if hit {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, hit = c.programs[source]; hit {
		return p, nil
	}
	p, err := compile()
	if err != nil {
		return p, err
	}
	c.programs[source] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}
