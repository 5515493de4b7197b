package runner

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Env is a step environment.
type Env map[string]string

// OSEnv snapshots the process environment.
func OSEnv() Env {
	env := Env{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// With returns a copy of e overlaid with each of the given maps in turn.
func (e Env) With(layers ...map[string]string) Env {
	out := make(Env, len(e))
	for k, v := range e {
		out[k] = v
	}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// PrependPath puts dirs in front of PATH, first dir first.
func (e Env) PrependPath(dirs ...string) {
	if len(dirs) == 0 {
		return
	}
	parts := append([]string{}, dirs...)
	if cur := e["PATH"]; cur != "" {
		parts = append(parts, cur)
	}
	e["PATH"] = strings.Join(parts, string(os.PathListSeparator))
}

// Environ renders e for exec.Cmd, sorted for stable output.
func (e Env) Environ() []string {
	out := make([]string, 0, len(e))
	for k, v := range e {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// commandFiles are the per-step files a step writes to export variables and
// PATH entries to the steps after it.
type commandFiles struct {
	envFile  string
	pathFile string
}

func newCommandFiles(dir string, seq int) (*commandFiles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create command file directory")
	}
	cf := &commandFiles{
		envFile:  filepath.Join(dir, "env-"+strconv.Itoa(seq)),
		pathFile: filepath.Join(dir, "path-"+strconv.Itoa(seq)),
	}
	for _, p := range []string{cf.envFile, cf.pathFile} {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			return nil, errors.Wrap(err, "failed to create command file")
		}
	}
	return cf, nil
}

// vars are exported to the step so it can find its command files.
func (cf *commandFiles) vars() map[string]string {
	return map[string]string{
		"PIPEGATE_ENV":  cf.envFile,
		"PIPEGATE_PATH": cf.pathFile,
		"GITHUB_ENV":    cf.envFile,
		"GITHUB_PATH":   cf.pathFile,
	}
}

// collect reads what the step wrote.
func (cf *commandFiles) collect() (map[string]string, []string, error) {
	exported, err := godotenv.Read(cf.envFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse exported environment")
	}

	f, err := os.Open(cf.pathFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open path file")
	}
	defer f.Close()

	var paths []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			paths = append(paths, line)
		}
	}
	// later lines take precedence
	for i, j := 0, len(paths)-1; i < j; i, j = i+1, j-1 {
		paths[i], paths[j] = paths[j], paths[i]
	}
	return exported, paths, errors.Wrap(sc.Err(), "failed to read path file")
}
