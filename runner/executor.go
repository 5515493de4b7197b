package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"pipegate/events"
	"pipegate/logx"
	"pipegate/runner/storage"
)

// RunWorkflowFile loads the workflow at path and runs it.
func RunWorkflowFile(ctx context.Context, path string, opts RunOptions) (*RunResult, error) {
	wf, err := LoadWorkflow(path)
	if err != nil {
		return nil, err
	}
	return RunWorkflow(ctx, wf, opts)
}

// RunWorkflow runs wf for opts.Event in a fresh workspace. Jobs and steps run
// strictly in order and the first failure skips everything after it, except
// steps whose `if:` asks for failure() or always(). The returned error is the
// first *StepError, or the context error when the run was cancelled.
func RunWorkflow(ctx context.Context, wf *Workflow, opts RunOptions) (*RunResult, error) {
	startTime := time.Now()

	result := &RunResult{Status: StatusSkipped, Jobs: make([]JobResult, 0)}
	if !opts.Force && !wf.Triggers(opts.Event) {
		logx.Info("workflow not triggered", "workflow", wf.Name, "event", opts.Event.Kind, "branch", opts.Event.Branch)
		return result, nil
	}
	result.Triggered = true

	plan, err := wf.Plan()
	if err != nil {
		return nil, err
	}
	if opts.JobFilter != "" {
		if _, ok := wf.Jobs.Get(opts.JobFilter); !ok {
			return nil, errors.Errorf("job %q not found", opts.JobFilter)
		}
	}
	if opts.Shell == "" {
		opts.Shell = "bash"
	}

	r := &run{wf: wf, opts: opts, result: result}
	if err := r.prepare(); err != nil {
		return nil, err
	}
	defer r.teardown()

	if opts.Storage != nil {
		rec, err := opts.Storage.CreateRun(storage.NewRun{
			ProjectName: opts.Project,
			Workflow:    wf.Name,
			ConfigPath:  wf.Path,
			Event:       string(opts.Event.Kind),
			Branch:      opts.Event.Branch,
			SHA:         opts.Event.SHA,
		})
		if err != nil {
			return nil, err
		}
		result.RunID = rec.ID
	}
	r.log = logx.With("run", result.RunID, "project", opts.Project, "workflow", wf.Name)
	r.log.Info("🚀 run started", "event", opts.Event.Kind, "branch", opts.Event.Branch, "sha", opts.Event.SHA)

	result.Status = StatusRunning
	r.broadcast(events.RunStarted, map[string]interface{}{
		"run_id":   result.RunID,
		"project":  opts.Project,
		"workflow": wf.Name,
		"event":    opts.Event.Kind,
		"branch":   opts.Event.Branch,
	})

	var runErr error
	for _, job := range plan {
		if opts.JobFilter != "" && job.ID != opts.JobFilter {
			continue
		}
		if runErr != nil || ctx.Err() != nil {
			result.Jobs = append(result.Jobs, JobResult{ID: job.ID, Status: StatusSkipped, Steps: []StepResult{}})
			continue
		}

		jr, err := r.runJob(ctx, job)
		result.Jobs = append(result.Jobs, jr)
		r.collectArtifacts(job)
		if err != nil {
			runErr = err
		}
	}

	result.Duration = time.Since(startTime)
	switch {
	case ctx.Err() != nil:
		result.Status = StatusCancelled
		result.Error = errors.Wrap(ctx.Err(), "run cancelled")
	case runErr != nil:
		result.Status = StatusFailed
		result.Error = runErr
		if se, ok := AsStepError(runErr); ok {
			result.FailedStage = se.Kind
			result.FailedStep = se.Step
		}
	default:
		result.Status = StatusSuccess
	}

	r.finish()
	return result, result.Error
}

// run is the state of one workflow execution.
type run struct {
	wf     *Workflow
	opts   RunOptions
	result *RunResult
	log    *slog.Logger

	dir       string // scratch directory removed at teardown
	workspace string // checkout and working directory of every step
	commands  string // per-step env and path files
	seq       int
}

func (r *run) prepare() error {
	root := r.opts.WorkspaceRoot
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return errors.Wrap(err, "failed to create workspace root")
		}
	}
	dir, err := os.MkdirTemp(root, "run-")
	if err != nil {
		return errors.Wrap(err, "failed to create workspace")
	}
	r.dir = dir
	r.workspace = filepath.Join(dir, "workspace")
	r.commands = filepath.Join(dir, "commands")
	return errors.Wrap(os.MkdirAll(r.workspace, 0o755), "failed to create workspace")
}

func (r *run) teardown() {
	if r.opts.KeepWorkspace {
		logx.Info("workspace kept", "dir", r.dir)
		return
	}
	if err := os.RemoveAll(r.dir); err != nil {
		logx.Warn("failed to remove workspace", "dir", r.dir, "err", err)
	}
}

func (r *run) finish() {
	res := r.result
	if r.opts.Storage != nil && res.RunID != 0 {
		err := r.opts.Storage.FinishRun(res.RunID, storage.RunFinish{
			Status:      res.Status,
			FailedStage: string(res.FailedStage),
			FailedStep:  res.FailedStep,
			Duration:    res.Duration,
		})
		if err != nil {
			r.log.Error("failed to record run status", "err", err)
		}
	}

	r.broadcast(events.RunFinished, map[string]interface{}{
		"run_id":       res.RunID,
		"project":      r.opts.Project,
		"status":       res.Status,
		"failed_stage": res.FailedStage,
		"failed_step":  res.FailedStep,
		"duration":     res.Duration.String(),
	})

	switch res.Status {
	case StatusSuccess:
		r.printf("\n🏁 All steps finished successfully.\n")
		r.log.Info("🏁 run finished", "status", res.Status, "duration", res.Duration)
	default:
		r.printf("\n❌ Run %s at %s stage %q\n", res.Status, res.FailedStage, res.FailedStep)
		r.log.Warn("run finished", "status", res.Status, "failed_stage", res.FailedStage, "failed_step", res.FailedStep, "duration", res.Duration)
	}
}

// runJob executes one job's steps in order.
func (r *run) runJob(ctx context.Context, job *Job) (JobResult, error) {
	jobStart := time.Now()
	jr := JobResult{ID: job.ID, Steps: make([]StepResult, 0, len(job.Steps))}

	jobCtx := ctx
	if job.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutMinutes)*time.Minute)
		defer cancel()
	}

	r.printf("\n📦 Job: %s\n", job.DisplayName())
	env := r.jobEnv(job)

	var jobErr error
	for _, step := range job.Steps {
		if jobCtx.Err() != nil {
			jr.Steps = append(jr.Steps, r.skipStep(job, step))
			continue
		}

		st := conditionState{failed: jobErr != nil, event: r.opts.Event, job: job.ID}
		ok, err := evalCondition(step.If, st)
		if err != nil {
			sr := r.failBeforeStart(job, step, err)
			jr.Steps = append(jr.Steps, sr)
			if jobErr == nil {
				jobErr = sr.Error
			}
			continue
		}
		if !ok {
			jr.Steps = append(jr.Steps, r.skipStep(job, step))
			continue
		}

		sr, exported, paths := r.runStep(jobCtx, job, step, env)
		jr.Steps = append(jr.Steps, sr)
		if sr.Error != nil {
			if !step.ContinueOnError && jobErr == nil {
				jobErr = sr.Error
			}
			continue
		}
		env = env.With(exported)
		env.PrependPath(paths...)
	}

	if jobErr == nil && jobCtx.Err() != nil && ctx.Err() == nil {
		jobErr = &StepError{Job: job.ID, Step: job.DisplayName(), Kind: KindStep, Err: errors.Wrap(jobCtx.Err(), "job timed out")}
	}

	jr.Duration = time.Since(jobStart)
	switch {
	case ctx.Err() != nil:
		jr.Status = StatusCancelled
		if jobErr == nil {
			jobErr = ctx.Err()
		}
	case jobErr != nil:
		jr.Status = StatusFailed
	default:
		jr.Status = StatusSuccess
	}
	return jr, jobErr
}

// jobEnv layers the process, workflow and job environments with run context.
func (r *run) jobEnv(job *Job) Env {
	ev := r.opts.Event
	ctxVars := map[string]string{
		"CI":                  "true",
		"PIPEGATE":            "true",
		"PIPEGATE_WORKSPACE":  r.workspace,
		"PIPEGATE_PROJECT":    r.opts.Project,
		"PIPEGATE_RUN_ID":     strconv.Itoa(r.result.RunID),
		"PIPEGATE_JOB":        job.ID,
		"PIPEGATE_EVENT_NAME": string(ev.Kind),
		"PIPEGATE_REF_NAME":   ev.Branch,
		"PIPEGATE_SHA":        ev.SHA,
		"GITHUB_WORKSPACE":    r.workspace,
		"GITHUB_EVENT_NAME":   string(ev.Kind),
		"GITHUB_REF_NAME":     ev.Branch,
		"GITHUB_SHA":          ev.SHA,
	}
	if ev.Kind == EventPullRequest {
		ctxVars["GITHUB_BASE_REF"] = ev.Branch
	} else {
		ctxVars["GITHUB_REF"] = "refs/heads/" + ev.Branch
	}
	return OSEnv().With(r.wf.Env, job.Env, ctxVars)
}

// runStep executes a step and records it. On success it returns the
// variables and PATH entries the step exported.
func (r *run) runStep(ctx context.Context, job *Job, step Step, env Env) (StepResult, map[string]string, []string) {
	stepStart := time.Now()
	kind := step.StageKind()
	name := step.DisplayName()
	sr := StepResult{Name: name, Kind: kind}

	r.printf("→ %s\n", name)

	var rec *storage.StepExecution
	if r.opts.Storage != nil {
		var err error
		rec, err = r.opts.Storage.CreateStepExecution(r.result.RunID, job.ID, name, string(kind), step.Command())
		if err != nil {
			r.log.Warn("failed to record step", "step", name, "err", err)
		}
	}

	if step.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMinutes)*time.Minute)
		defer cancel()
	}

	var buf bytes.Buffer
	var out io.Writer = &buf
	if r.opts.Stream != nil {
		out = io.MultiWriter(&buf, r.opts.Stream)
	}

	var exported map[string]string
	var paths []string

	r.seq++
	cf, err := newCommandFiles(r.commands, r.seq)
	if err == nil {
		stepEnv := env.With(step.Env, cf.vars())
		if step.Uses != "" {
			var res *ActionResult
			res, err = r.runAction(ctx, step, stepEnv, out)
			if res != nil {
				exported, paths = res.Env, res.Path
			}
		} else {
			err = r.runShell(ctx, step, stepEnv, out)
		}
	}
	if err == nil {
		fileEnv, filePaths, cerr := cf.collect()
		if cerr != nil {
			err = cerr
		} else {
			exported = Env(exported).With(fileEnv)
			paths = append(filePaths, paths...)
		}
	}

	output := buf.String()
	if len(output) > 0 && output[len(output)-1] != '\n' {
		output += "\n"
	}
	sr.Output = output
	sr.Duration = time.Since(stepStart)
	sr.Annotations = parseAnnotations(output)

	if err != nil {
		kind, err = classifyFailure(kind, output, err)
		sr.Kind = kind
		sr.Status = StatusFailed
		sr.Error = &StepError{Job: job.ID, Step: name, Kind: kind, Err: err}
		if step.ContinueOnError {
			r.printf("⚠️  Step failed (continuing): %v\n", err)
		} else {
			r.printf("❌ Step failed: %v\n", err)
		}
	} else {
		sr.Status = StatusSuccess
		r.printf("✅ Done: %s\n", name)
	}

	r.record(rec, sr)
	return sr, exported, paths
}

func (r *run) runAction(ctx context.Context, step Step, env Env, out io.Writer) (*ActionResult, error) {
	action, err := lookupAction(step.Uses)
	if err != nil {
		return nil, err
	}
	return action.Run(ctx, &ActionContext{
		Step:      step,
		Workspace: r.workspace,
		Env:       env,
		Event:     r.opts.Event,
		Source:    r.opts.Source,
		Output:    out,
	})
}

func (r *run) runShell(ctx context.Context, step Step, env Env, out io.Writer) error {
	dir := r.workspace
	if step.WorkingDirectory != "" {
		dir = filepath.Join(r.workspace, step.WorkingDirectory)
	}

	args := shellArgs(r.opts.Shell, step.Run)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = env.Environ()
	// one writer for both streams keeps their interleaving
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "step interrupted")
		}
		return errors.Wrap(err, "command failed")
	}
	return nil
}

// shellArgs builds the command line for a run script. bash and sh run with
// errexit so a failing command anywhere in the script fails the step.
func shellArgs(shell, script string) []string {
	switch shell {
	case "bash":
		return []string{"bash", "--noprofile", "--norc", "-eo", "pipefail", "-c", script}
	case "sh":
		return []string{"sh", "-e", "-c", script}
	default:
		return []string{shell, "-c", script}
	}
}

func (r *run) skipStep(job *Job, step Step) StepResult {
	sr := StepResult{Name: step.DisplayName(), Kind: step.StageKind(), Status: StatusSkipped}
	r.printf("⏭️  Skipped: %s\n", sr.Name)

	var rec *storage.StepExecution
	if r.opts.Storage != nil {
		var err error
		rec, err = r.opts.Storage.CreateStepExecution(r.result.RunID, job.ID, sr.Name, string(sr.Kind), step.Command())
		if err != nil {
			r.log.Warn("failed to record step", "step", sr.Name, "err", err)
		}
	}
	r.record(rec, sr)
	return sr
}

func (r *run) failBeforeStart(job *Job, step Step, err error) StepResult {
	sr := StepResult{Name: step.DisplayName(), Kind: step.StageKind(), Status: StatusFailed}
	sr.Error = &StepError{Job: job.ID, Step: sr.Name, Kind: sr.Kind, Err: err}
	sr.Output = err.Error() + "\n"
	r.printf("❌ Step failed: %v\n", err)

	var rec *storage.StepExecution
	if r.opts.Storage != nil {
		var cerr error
		rec, cerr = r.opts.Storage.CreateStepExecution(r.result.RunID, job.ID, sr.Name, string(sr.Kind), step.Command())
		if cerr != nil {
			r.log.Warn("failed to record step", "step", sr.Name, "err", cerr)
		}
	}
	r.record(rec, sr)
	return sr
}

// record persists a finished step and publishes it.
func (r *run) record(rec *storage.StepExecution, sr StepResult) {
	if rec != nil {
		if err := r.opts.Storage.UpdateStepExecution(rec.ID, sr.Status, sr.Output, sr.Duration); err != nil {
			r.log.Warn("failed to update step", "step", sr.Name, "err", err)
		}
		if err := r.opts.Storage.AddAnnotations(r.result.RunID, rec.ID, sr.Annotations); err != nil {
			r.log.Warn("failed to store annotations", "step", sr.Name, "err", err)
		}
	}

	r.broadcast(events.StepFinished, map[string]interface{}{
		"run_id":   r.result.RunID,
		"project":  r.opts.Project,
		"step":     sr.Name,
		"kind":     sr.Kind,
		"status":   sr.Status,
		"duration": sr.Duration.String(),
	})
}

func (r *run) broadcast(eventType string, data interface{}) {
	if r.opts.Events != nil {
		r.opts.Events.Broadcast(eventType, data)
	}
}

func (r *run) printf(format string, args ...interface{}) {
	if r.opts.Stream != nil {
		fmt.Fprintf(r.opts.Stream, format, args...)
	}
}
