package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
)

// ActionContext is what a built-in action sees of the running job.
type ActionContext struct {
	Step      Step
	Workspace string
	Env       Env
	Event     Event
	Source    string // local path or git URL to check out
	Output    io.Writer
}

// ActionResult carries variables and PATH entries for later steps.
type ActionResult struct {
	Env  map[string]string
	Path []string
}

// Action is a built-in `uses:` step.
type Action interface {
	Kind() StageKind
	Run(ctx context.Context, ac *ActionContext) (*ActionResult, error)
}

var builtinActions = map[string]Action{
	"actions/checkout":       checkoutAction{},
	"actions/setup-python":   setupPythonAction{},
	"pipegate/locale":        localeAction{},
	"pipegate/coverage-gate": coverageGateAction{},
}

// lookupAction resolves `owner/name@version` to a built-in action.
func lookupAction(uses string) (Action, error) {
	name, _, _ := strings.Cut(strings.TrimSpace(uses), "@")
	a, ok := builtinActions[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAction, "%q", uses)
	}
	return a, nil
}

func (ac *ActionContext) with(key, def string) string {
	if v, ok := ac.Step.With[key]; ok && v != "" {
		return v
	}
	return def
}

// checkoutAction clones the project source into the workspace and checks out
// the triggering commit.
type checkoutAction struct{}

func (checkoutAction) Kind() StageKind { return KindCheckout }

func (checkoutAction) Run(ctx context.Context, ac *ActionContext) (*ActionResult, error) {
	source := ac.with("repository", ac.Source)
	if source == "" {
		return nil, ErrNoCheckoutSource
	}
	dest := ac.Workspace
	if p := ac.with("path", ""); p != "" {
		dest = filepath.Join(ac.Workspace, p)
	}

	if err := runCommand(ctx, "", ac.Env, ac.Output, "git", "clone", "--quiet", "--no-checkout", source, dest); err != nil {
		return nil, errors.Wrapf(err, "git clone %s", source)
	}

	ref := ac.with("ref", ac.Event.SHA)
	if ref == "" {
		ref = "HEAD"
	}
	if err := runCommand(ctx, dest, ac.Env, ac.Output, "git", "checkout", "--quiet", "--detach", ref); err != nil {
		return nil, errors.Wrapf(err, "git checkout %s", ref)
	}
	fmt.Fprintf(ac.Output, "checked out %s at %s\n", source, ref)
	return &ActionResult{}, nil
}

// setupPythonAction selects an interpreter of the requested major.minor.
type setupPythonAction struct{}

func (setupPythonAction) Kind() StageKind { return KindEnvironment }

func (setupPythonAction) Run(ctx context.Context, ac *ActionContext) (*ActionResult, error) {
	want := ac.with("python-version", "3.11")
	wantMM := semver.MajorMinor("v" + want)
	if wantMM == "" {
		return nil, errors.Errorf("invalid python-version %q", want)
	}

	candidates := []string{"python" + strings.TrimPrefix(wantMM, "v"), "python3", "python"}
	var tried []string
	for _, name := range candidates {
		bin, ok := lookPathIn(name, ac.Env["PATH"])
		if !ok {
			continue
		}
		got, err := interpreterVersion(ctx, bin, ac.Env)
		if err != nil {
			tried = append(tried, fmt.Sprintf("%s (%v)", bin, err))
			continue
		}
		if semver.MajorMinor("v"+got) != wantMM {
			tried = append(tried, fmt.Sprintf("%s (%s)", bin, got))
			continue
		}
		fmt.Fprintf(ac.Output, "using Python %s at %s\n", got, bin)
		dir := filepath.Dir(bin)
		return &ActionResult{
			Env: map[string]string{
				"PYTHON":         bin,
				"pythonLocation": dir,
			},
			Path: []string{dir},
		}, nil
	}

	if len(tried) == 0 {
		return nil, errors.Wrapf(ErrInterpreterUnavailable, "python %s not found on PATH", want)
	}
	return nil, errors.Wrapf(ErrInterpreterUnavailable, "python %s not found; tried %s", want, strings.Join(tried, ", "))
}

func interpreterVersion(ctx context.Context, bin string, env Env) (string, error) {
	cmd := exec.CommandContext(ctx, bin, "--version")
	cmd.Env = env.Environ()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(string(out))
	v = strings.TrimPrefix(v, "Python ")
	if !semver.IsValid("v" + v) {
		return "", errors.Errorf("unrecognised version output %q", strings.TrimSpace(string(out)))
	}
	return v, nil
}

// lookPathIn is exec.LookPath against an explicit PATH value.
func lookPathIn(name, pathEnv string) (string, bool) {
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return p, true
		}
	}
	return "", false
}

// localeAction exports LC_ALL and LANG, optionally generating the locale.
type localeAction struct{}

func (localeAction) Kind() StageKind { return KindEnvironment }

func (localeAction) Run(ctx context.Context, ac *ActionContext) (*ActionResult, error) {
	locale := ac.with("locale", "en_US.UTF-8")
	if generate, _ := strconv.ParseBool(ac.with("generate", "false")); generate {
		if err := runCommand(ctx, ac.Workspace, ac.Env, ac.Output, "locale-gen", locale); err != nil {
			return nil, errors.Wrapf(err, "locale-gen %s", locale)
		}
	}
	fmt.Fprintf(ac.Output, "LC_ALL=%s LANG=%s\n", locale, locale)
	return &ActionResult{Env: map[string]string{"LC_ALL": locale, "LANG": locale}}, nil
}

// coverageGateAction fails when a coverage report is under the threshold.
type coverageGateAction struct{}

func (coverageGateAction) Kind() StageKind { return KindCoverage }

func (coverageGateAction) Run(ctx context.Context, ac *ActionContext) (*ActionResult, error) {
	threshold := DefaultCoverageThreshold
	if v := ac.with("min", ""); v != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(v, "%"), 64)
		if err != nil {
			return nil, errors.Errorf("invalid min %q", v)
		}
		threshold = parsed
	}

	report := ac.with("report", "coverage.xml")
	if !filepath.IsAbs(report) {
		report = filepath.Join(ac.Workspace, report)
	}
	rep, err := ReadCoverage(report, ac.with("format", ""))
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(ac.Output, "total coverage %.2f%% (minimum %.2f%%)\n", rep.Percent, threshold)
	if err := CheckCoverage(rep, threshold); err != nil {
		return nil, err
	}
	return &ActionResult{}, nil
}

// runCommand runs a program with the step environment, streaming to out.
func runCommand(ctx context.Context, dir string, env Env, out io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env.Environ()
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}
