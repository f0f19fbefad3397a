package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

func TestExpr_RoutingRule(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())

	env := map[string]any{"objective": "List files in the sandbox", "context_id": "ctx"}

	match, err := e.Evaluate(context.Background(), `lower(objective) contains "list files"`, env)
	require.NoError(t, err)
	assert.Equal(t, true, match)

	rewritten, err := e.Evaluate(context.Background(), `"ls -la"`, env)
	require.NoError(t, err)
	assert.Equal(t, "ls -la", rewritten)

	match, err = e.Evaluate(context.Background(), `objective startsWith "search"`, env)
	require.NoError(t, err)
	assert.Equal(t, false, match)
}

func TestExpr_LetAndCoalesce(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(),
		`let words = split(trim(objective), " "); len(words) > 2 ? words[0] : (fallback ?? "none")`,
		map[string]any{"objective": " fetch docs quickly "})
	require.NoError(t, err)
	assert.Equal(t, "fetch", out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	err = e.Compile(`objective contains`, map[string]any{"objective": ""})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = e.Evaluate(context.Background(), `1 / n`, map[string]any{"n": "x"})
	assert.Error(t, err)
}
