package runner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvLayers(t *testing.T) {
	base := Env{"A": "1", "B": "1"}
	got := base.With(map[string]string{"B": "2"}, map[string]string{"C": "3"})

	assert.Equal(t, Env{"A": "1", "B": "2", "C": "3"}, got)
	assert.Equal(t, "1", base["B"], "With must not modify the receiver")
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, got.Environ())
}

func TestPrependPath(t *testing.T) {
	env := Env{"PATH": "/usr/bin"}
	env.PrependPath("/a", "/b")
	sep := string(os.PathListSeparator)
	assert.Equal(t, strings.Join([]string{"/a", "/b", "/usr/bin"}, sep), env["PATH"])

	empty := Env{}
	empty.PrependPath("/x")
	assert.Equal(t, "/x", empty["PATH"])
}

func TestCommandFiles(t *testing.T) {
	cf, err := newCommandFiles(filepath.Join(t.TempDir(), "commands"), 3)
	require.NoError(t, err)

	vars := cf.vars()
	assert.Equal(t, vars["PIPEGATE_ENV"], vars["GITHUB_ENV"])
	assert.Equal(t, vars["PIPEGATE_PATH"], vars["GITHUB_PATH"])

	require.NoError(t, os.WriteFile(cf.envFile, []byte("LC_ALL=en_US.UTF-8\nLANG=\"en_US.UTF-8\"\n"), 0o644))
	require.NoError(t, os.WriteFile(cf.pathFile, []byte("/first\n\n/second\n"), 0o644))

	env, paths, err := cf.collect()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"LC_ALL": "en_US.UTF-8", "LANG": "en_US.UTF-8"}, env)
	assert.Equal(t, []string{"/second", "/first"}, paths)
}
