package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	data := map[string]any{"stdout": "a\nb\n", "exit_code": int64(0)}

	out, err := e.Evaluate(context.Background(), ".stdout", data)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", out)

	out, err = e.Evaluate(context.Background(), ".exit_code == 0", data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), ".missing", data)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = e.Evaluate(context.Background(), ".stdout | split(\"\\n\") | .[] | select(. != \"\")", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQ_QueryJSON_SearchMapping(t *testing.T) {
	e := NewGoJQEngine()
	raw := []byte(`{"results":[{"title":"Go","url":"https://go.dev","snippet":"The Go language"},{"title":"Spec","url":"https://go.dev/ref/spec"}]}`)

	out, err := e.QueryJSON(context.Background(), `.results[] | {title, url, snippet: (.snippet // "")}`, raw)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "https://go.dev", out[0].(map[string]any)["url"])
	assert.Equal(t, "", out[1].(map[string]any)["snippet"])
}

func TestGoJQ_EnvironmentIsEmpty(t *testing.T) {
	t.Setenv("CONDUCTOR_SECRET", "s3cr3t")
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `$ENV.CONDUCTOR_SECRET`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Query(context.Background(), "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = e.Query(context.Background(), ".[", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = e.Query(context.Background(), `error("boom")`, nil)
	assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))

	_, err = e.QueryJSON(context.Background(), ".", []byte("{"))
	assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))
}
