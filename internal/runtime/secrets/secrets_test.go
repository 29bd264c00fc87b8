package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMock(t *testing.T) {
	assert.True(t, IsMock("mock_anthropic"))
	assert.False(t, IsMock("sk-live"))
	assert.False(t, IsMock(""))
}

func TestEnvAccessor(t *testing.T) {
	env := map[string]string{
		"APP_OPENAI_API_KEY": "  sk-123 ",
		"APP_EMPTY":          "",
	}
	a := EnvAccessor{Prefix: "APP_", Lookup: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}

	v, ok := a.Secret("OPENAI_API_KEY")
	require.True(t, ok)
	assert.Equal(t, "sk-123", v)

	_, ok = a.Secret("EMPTY")
	assert.False(t, ok)
	_, ok = a.Secret("MISSING")
	assert.False(t, ok)
}

func TestFileAccessor(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "anthropic_api_key"), []byte("mock_key\n"), 0o600))

	a := NewFileAccessor(dir)
	v, ok := a.Secret("ANTHROPIC_API_KEY")
	require.True(t, ok)
	assert.Equal(t, "mock_key", v)

	_, ok = a.Secret("../etc/passwd")
	assert.False(t, ok)
	_, ok = a.Secret("GOOGLE_API_KEY")
	assert.False(t, ok)
}

func TestChainFirstHitWins(t *testing.T) {
	c := Chain{
		nil,
		MapAccessor{"A": ""},
		MapAccessor{"A": "second", "B": "b"},
		MapAccessor{"A": "third"},
	}

	v, ok := c.Secret("A")
	require.True(t, ok)
	assert.Equal(t, "second", v)

	_, ok = c.Secret("C")
	assert.False(t, ok)
}
