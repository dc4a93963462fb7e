package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupMapValue(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`lookup(request.query, "read") == "unread"`)
	require.NoError(t, err)

	activation := map[string]any{
		"request": map[string]any{
			"query": map[string]any{"read": "unread"},
		},
		"requester": map[string]any{},
	}
	matched, err := program.EvalBool(activation)
	require.NoError(t, err)
	require.True(t, matched, "expected lookup to match existing key")

	missingProgram, err := env.Compile(`lookup(request.query, "missing") == "unread"`)
	require.NoError(t, err)
	matched, err = missingProgram.EvalBool(activation)
	require.NoError(t, err)
	require.False(t, matched, "expected lookup to return null for missing key")
}

func TestGuardOnRequester(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`!requester.admin && request.method == "GET"`)
	require.NoError(t, err)

	allowed, err := program.EvalBool(map[string]any{
		"request":   map[string]any{"method": "GET"},
		"requester": map[string]any{"admin": false, "authenticated": true, "id": int64(42)},
	})
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = program.EvalBool(map[string]any{
		"request":   map[string]any{"method": "GET"},
		"requester": map[string]any{"admin": true, "authenticated": true, "id": int64(1)},
	})
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestCompileRejectsNonBoolAndUnknownVariables(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`"text"`)
	require.Error(t, err)

	_, err = env.Compile(`backend.status == 200`)
	require.Error(t, err)

	_, err = env.Compile("   ")
	require.Error(t, err)
}

func TestProgramSource(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", program.Source())
	require.True(t, program.Defined())
	require.False(t, Program{}.Defined())
}
