package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInlineVars(t *testing.T) {
	vars, err := ParseInlineVars(" A=1, B = two ,,")
	require.NoError(t, err)
	assert.Equal(t, Vars{"A": "1", "B": "two"}, vars)

	_, err = ParseInlineVars("A")
	assert.Error(t, err)

	_, err = ParseInlineVars("=1")
	assert.Error(t, err)
}

func TestLoadEnvFiles_LaterFilesOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.env"), []byte("REGION=one\nTIER=gold\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local.env"), []byte("REGION=two\n"), 0o644))

	vars, err := LoadEnvFiles(dir, []string{"base.env", "", "local.env"})
	require.NoError(t, err)
	assert.Equal(t, Vars{"REGION": "two", "TIER": "gold"}, vars)
}

func TestLoadEnvFiles_MissingFile(t *testing.T) {
	_, err := LoadEnvFiles(t.TempDir(), []string{"absent.env"})
	assert.ErrorContains(t, err, "absent.env")
}

func TestVars_AsContext(t *testing.T) {
	ctx := Vars{"A": "1"}.AsContext()
	assert.Equal(t, map[string]any{"A": "1"}, ctx)
}
