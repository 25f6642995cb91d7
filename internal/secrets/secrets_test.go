package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePlainValue(t *testing.T) {
	got, err := Resolve("plain-value")
	require.NoError(t, err)
	assert.Equal(t, "plain-value", got)
}

func TestResolveEmpty(t *testing.T) {
	got, err := Resolve("   ")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("GATEWAY_TEST_SECRET", "from-env")
	got, err := Resolve("env:GATEWAY_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)
}

func TestResolveFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.txt")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))

	got, err := Resolve("file:" + path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)
}

func TestResolveFileRequiresAbsolutePath(t *testing.T) {
	_, err := Resolve("file:relative/path.txt")
	assert.Error(t, err)
}

func TestResolveFileMissing(t *testing.T) {
	_, err := Resolve("file:/nonexistent/path/for/test")
	assert.Error(t, err)
}
