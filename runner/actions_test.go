package runner

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInterpreter writes an executable that prints version like python does.
func fakeInterpreter(t *testing.T, dir, name, version string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\necho \"Python " + version + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// initRepo creates a git repository with one commit and returns its HEAD.
func initRepo(t *testing.T, files map[string]string) (string, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	git := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=pipegate", "GIT_AUTHOR_EMAIL=ci@example.com",
			"GIT_COMMITTER_NAME=pipegate", "GIT_COMMITTER_EMAIL=ci@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
		return strings.TrimSpace(string(out))
	}
	git("init", "--quiet")
	for name, content := range files {
		writeFile(t, dir, name, content)
	}
	git("add", ".")
	git("-c", "commit.gpgsign=false", "commit", "--quiet", "-m", "init")
	return dir, git("rev-parse", "HEAD")
}

func TestLookupAction(t *testing.T) {
	a, err := lookupAction("actions/checkout@v4")
	require.NoError(t, err)
	assert.Equal(t, KindCheckout, a.Kind())

	a, err = lookupAction("pipegate/coverage-gate")
	require.NoError(t, err)
	assert.Equal(t, KindCoverage, a.Kind())

	_, err = lookupAction("docker/build-push-action@v5")
	assert.Equal(t, ErrUnknownAction, errors.Cause(err))
}

func TestSetupPython(t *testing.T) {
	dir := t.TempDir()
	bin := fakeInterpreter(t, dir, "python3.11", "3.11.9")
	var out bytes.Buffer

	res, err := setupPythonAction{}.Run(context.Background(), &ActionContext{
		Step:   Step{Uses: "actions/setup-python@v5", With: map[string]string{"python-version": "3.11"}},
		Env:    Env{"PATH": dir},
		Output: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, bin, res.Env["PYTHON"])
	assert.Equal(t, []string{dir}, res.Path)
	assert.Contains(t, out.String(), "using Python 3.11.9")
}

func TestSetupPythonFallsBackToPython3(t *testing.T) {
	dir := t.TempDir()
	bin := fakeInterpreter(t, dir, "python3", "3.11.2")

	res, err := setupPythonAction{}.Run(context.Background(), &ActionContext{
		Step:   Step{With: map[string]string{"python-version": "3.11"}},
		Env:    Env{"PATH": dir},
		Output: &bytes.Buffer{},
	})
	require.NoError(t, err)
	assert.Equal(t, bin, res.Env["PYTHON"])
}

func TestSetupPythonUnavailable(t *testing.T) {
	dir := t.TempDir()
	fakeInterpreter(t, dir, "python3", "3.12.1")

	_, err := setupPythonAction{}.Run(context.Background(), &ActionContext{
		Step:   Step{With: map[string]string{"python-version": "3.11"}},
		Env:    Env{"PATH": dir},
		Output: &bytes.Buffer{},
	})
	require.Error(t, err)
	assert.Equal(t, ErrInterpreterUnavailable, errors.Cause(err))
	assert.Contains(t, err.Error(), "3.12.1")

	_, err = setupPythonAction{}.Run(context.Background(), &ActionContext{
		Env:    Env{"PATH": t.TempDir()},
		Output: &bytes.Buffer{},
	})
	assert.Equal(t, ErrInterpreterUnavailable, errors.Cause(err))
}

func TestLocaleAction(t *testing.T) {
	res, err := localeAction{}.Run(context.Background(), &ActionContext{Output: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"LC_ALL": "en_US.UTF-8", "LANG": "en_US.UTF-8"}, res.Env)

	res, err = localeAction{}.Run(context.Background(), &ActionContext{
		Step:   Step{With: map[string]string{"locale": "C.UTF-8"}},
		Output: &bytes.Buffer{},
	})
	require.NoError(t, err)
	assert.Equal(t, "C.UTF-8", res.Env["LANG"])
}

func TestCoverageGateAction(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "coverage.xml", coberturaXML(72, 100))

	gate := func(with map[string]string) error {
		_, err := coverageGateAction{}.Run(context.Background(), &ActionContext{
			Step:      Step{With: with},
			Workspace: ws,
			Output:    &bytes.Buffer{},
		})
		return err
	}

	assert.Equal(t, ErrCoverageBelowThreshold, errors.Cause(gate(nil)))
	assert.NoError(t, gate(map[string]string{"min": "70%"}))
	assert.Error(t, gate(map[string]string{"min": "lots"}))
	assert.Error(t, gate(map[string]string{"report": "missing.xml"}))
}

func TestCheckoutAction(t *testing.T) {
	src, sha := initRepo(t, map[string]string{"tests/test_a.py": "def test_a():\n    pass\n"})
	ws := filepath.Join(t.TempDir(), "workspace")
	require.NoError(t, os.MkdirAll(ws, 0o755))

	_, err := checkoutAction{}.Run(context.Background(), &ActionContext{
		Workspace: ws,
		Env:       OSEnv(),
		Event:     Event{Kind: EventPush, Branch: "main", SHA: sha},
		Source:    src,
		Output:    &bytes.Buffer{},
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(ws, "tests", "test_a.py"))

	_, err = checkoutAction{}.Run(context.Background(), &ActionContext{Workspace: ws, Output: &bytes.Buffer{}})
	assert.Equal(t, ErrNoCheckoutSource, errors.Cause(err))
}
