package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq programs over JSON values. The research worker maps
// search responses with it and the synthesizer projects structured
// artifacts into prose.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

// NewGoJQEngine creates a GoJQ engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs the program with facts as input. One output is returned
// as-is, several are returned as []any and none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, facts map[string]any) (any, error) {
	outs, err := e.Query(ctx, expression, jqValue(facts))
	if err != nil {
		return nil, err
	}
	switch len(outs) {
	case 0:
		return nil, nil
	case 1:
		return outs[0], nil
	}
	return outs, nil
}

// Query runs the program against a jq-compatible input and collects every
// output in order. The first error emitted by the program aborts the query.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) ([]any, error) {
	code, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	var outs []any
	it := code.RunWithContext(ctx, input)
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		if runErr, isErr := v.(error); isErr {
			return nil, evalError("jq", expression, runErr)
		}
		outs = append(outs, v)
	}
	return outs, nil
}

// QueryJSON decodes raw and queries it.
func (e *GoJQEngine) QueryJSON(ctx context.Context, expression string, raw []byte) ([]any, error) {
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, evalError("jq", expression, err)
	}
	return e.Query(ctx, expression, input)
}

func (e *GoJQEngine) program(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, emptyError("jq")
	}
	return e.programs.load(expression, func() (*gojq.Code, error) {
		q, err := gojq.Parse(expression)
		if err != nil {
			return nil, compileError("jq", expression, err)
		}
		// $ENV is empty: projections must not read the host environment.
		code, err := gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, compileError("jq", expression, err)
		}
		return code, nil
	})
}

// jqValue rewrites Go numbers into the float64 jq works with. Maps and
// slices are copied.
func jqValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = jqValue(e)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = jqValue(e)
		}
		return s
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
