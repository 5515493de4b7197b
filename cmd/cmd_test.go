package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipegate/events"
	"pipegate/runner"
	"pipegate/runner/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// project creates a project directory holding workflow and makes it the
// working directory.
func project(t *testing.T, workflow string) string {
	t.Helper()
	dir := t.TempDir()
	chdir(t, dir)
	for _, k := range []string{"PIPEGATE_DATA_DIR", "PIPEGATE_PROJECTS", "PIPEGATE_PORT", "PORT"} {
		t.Setenv(k, "")
	}
	if workflow != "" {
		path := filepath.Join(dir, runner.DefaultWorkflowFile)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(workflow), 0o644))
	}
	return dir
}

const gateWorkflow = `
name: CI
on:
  push: {branches: [main]}
  pull_request: {branches: [main]}
jobs:
  test:
    steps:
      - name: Lint
        kind: lint
        run: echo "All checks passed!"
      - name: Format
        kind: format
        run: %s
      - name: Tests
        kind: test
        run: echo "TOTAL 95%%"
`

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "pipegate dev\n", out)
}

func TestInit(t *testing.T) {
	dir := project(t, "")

	out, err := execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Created")

	data, err := os.ReadFile(filepath.Join(dir, runner.DefaultWorkflowFile))
	require.NoError(t, err)
	assert.Equal(t, runner.DefaultWorkflowYAML(), data)

	out, err = execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestCheck(t *testing.T) {
	project(t, fmt.Sprintf(gateWorkflow, `"true"`))

	out, err := execute(t, "check", "--event", "pull_request", "--branch", "main")
	require.NoError(t, err)
	assert.Contains(t, out, "triggers")
	assert.Contains(t, out, "[format] Format")

	out, err = execute(t, "check", "--branch", "feature/x")
	assert.Equal(t, errNotTriggered, err)
	assert.Contains(t, out, "does not trigger")

	_, err = execute(t, "check", "--event", "release")
	assert.Error(t, err)
}

func TestCoverage(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(dir, "coverage.xml")
	require.NoError(t, os.WriteFile(report, []byte(`<coverage line-rate="0.72" lines-covered="72" lines-valid="100"></coverage>`), 0o644))

	out, err := execute(t, "coverage", report)
	assert.Equal(t, runner.ErrCoverageBelowThreshold, errors.Cause(err))
	assert.Contains(t, out, "72.00%")

	_, err = execute(t, "coverage", report, "--min", "70")
	assert.NoError(t, err)
}

func TestRunPasses(t *testing.T) {
	dir := project(t, fmt.Sprintf(gateWorkflow, `echo "4 files already formatted"`))

	out, err := execute(t, "run", "--event", "pull_request", "--branch", "main")
	require.NoError(t, err)
	assert.Contains(t, out, "Status: success")
	assert.Contains(t, out, "🏁")

	store, err := storage.NewStorage(filepath.Join(dir, "data", "pipegate.db"))
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.GetRuns("", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "pull_request", runs[0].Event)
	assert.Equal(t, filepath.Base(dir), runs[0].ProjectName)
}

func TestRunDoesNotBroadcast(t *testing.T) {
	project(t, fmt.Sprintf(gateWorkflow, `"true"`))

	client := make(chan string, 64)
	events.GetBroker().Register(client)
	defer events.GetBroker().Unregister(client)

	_, err := execute(t, "run", "--no-history")
	require.NoError(t, err)
	assert.Empty(t, client)
}

func TestRunFailsAtFormatStage(t *testing.T) {
	project(t, fmt.Sprintf(gateWorkflow, `'echo "Would reformat: a.py"; exit 1'`))

	out, err := execute(t, "run", "--no-history")
	require.Error(t, err)
	assert.Contains(t, out, "Status: failed")
	assert.Contains(t, out, "Failed stage: format (Format)")
	assert.Contains(t, out, "⏭️  Skipped: Tests")
}

func TestRunNotTriggered(t *testing.T) {
	project(t, fmt.Sprintf(gateWorkflow, `"true"`))

	out, err := execute(t, "run", "--no-history", "--branch", "develop")
	require.NoError(t, err)
	assert.Contains(t, out, "does not trigger")
}

// chdir changes the working directory for the duration of the test,
// mirroring testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
