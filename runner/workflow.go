package runner

import (
	_ "embed"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed workflows/default.yml
var defaultWorkflow []byte

// DefaultWorkflowYAML returns the bundled CI workflow.
func DefaultWorkflowYAML() []byte {
	out := make([]byte, len(defaultWorkflow))
	copy(out, defaultWorkflow)
	return out
}

// Workflow is a parsed workflow file.
type Workflow struct {
	Name string            `yaml:"name"`
	On   Triggers          `yaml:"on"`
	Env  map[string]string `yaml:"env"`
	Jobs Jobs              `yaml:"jobs"`

	// Path is the file the workflow was loaded from, if any.
	Path string `yaml:"-"`
}

// BranchFilter restricts an event to matching branches.
type BranchFilter struct {
	Branches       []string `yaml:"branches"`
	BranchesIgnore []string `yaml:"branches-ignore"`
}

// Triggers maps event kinds to their branch filters. Accepts the scalar,
// sequence and mapping forms of `on:`.
type Triggers map[EventKind]BranchFilter

func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	out := Triggers{}
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag != "!!null" {
			out[EventKind(node.Value)] = BranchFilter{}
		}
	case yaml.SequenceNode:
		for _, n := range node.Content {
			out[EventKind(n.Value)] = BranchFilter{}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			var f BranchFilter
			if val.Tag != "!!null" {
				if err := val.Decode(&f); err != nil {
					return errors.Wrapf(err, "on.%s", key.Value)
				}
			}
			out[EventKind(key.Value)] = f
		}
	default:
		return errors.Errorf("line %d: unsupported on: value", node.Line)
	}
	*t = out
	return nil
}

// Job is a sequence of steps run in one workspace.
type Job struct {
	ID             string            `yaml:"-"`
	Name           string            `yaml:"name"`
	RunsOn         string            `yaml:"runs-on"`
	Needs          StringList        `yaml:"needs"`
	Env            map[string]string `yaml:"env"`
	Artifacts      []string          `yaml:"artifacts"`
	TimeoutMinutes int               `yaml:"timeout-minutes"`
	Steps          []Step            `yaml:"steps"`
}

// DisplayName returns the job's name, falling back to its ID.
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// Jobs keeps jobs in declaration order.
type Jobs []*Job

func (js *Jobs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.Errorf("line %d: jobs must be a mapping", node.Line)
	}
	out := make(Jobs, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		job := &Job{}
		if err := node.Content[i+1].Decode(job); err != nil {
			return errors.Wrapf(err, "job %q", node.Content[i].Value)
		}
		job.ID = node.Content[i].Value
		out = append(out, job)
	}
	*js = out
	return nil
}

// Get returns the job with the given ID.
func (js Jobs) Get(id string) (*Job, bool) {
	for _, j := range js {
		if j.ID == id {
			return j, true
		}
	}
	return nil, false
}

// StringList decodes either a single string or a list of strings.
type StringList []string

func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			*s = nil
			return nil
		}
		*s = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	}
	return errors.Errorf("line %d: expected string or list", node.Line)
}

// Step is a single command or action invocation.
type Step struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	Kind             StageKind         `yaml:"kind"`
	Run              string            `yaml:"run"`
	Uses             string            `yaml:"uses"`
	With             map[string]string `yaml:"with"`
	Env              map[string]string `yaml:"env"`
	If               string            `yaml:"if"`
	ContinueOnError  bool              `yaml:"continue-on-error"`
	TimeoutMinutes   int               `yaml:"timeout-minutes"`
	WorkingDirectory string            `yaml:"working-directory"`
}

// DisplayName returns a human label for the step.
func (s *Step) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Uses != "":
		return s.Uses
	default:
		line, _, _ := strings.Cut(strings.TrimSpace(s.Run), "\n")
		return line
	}
}

// StageKind returns the explicit kind, or the kind implied by the action.
func (s *Step) StageKind() StageKind {
	if s.Kind != "" {
		return s.Kind
	}
	if s.Uses != "" {
		if a, err := lookupAction(s.Uses); err == nil {
			return a.Kind()
		}
		return KindEnvironment
	}
	return KindStep
}

// Command is the text recorded for the step in run history.
func (s *Step) Command() string {
	if s.Uses != "" {
		return "uses: " + s.Uses
	}
	return s.Run
}

// LoadWorkflow reads and validates a workflow file.
func LoadWorkflow(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read workflow")
	}
	wf, err := ParseWorkflow(data)
	if err != nil {
		return nil, errors.Wrapf(err, "workflow %s", path)
	}
	wf.Path = path
	return wf, nil
}

// ParseWorkflow decodes and validates workflow YAML.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, errors.Wrap(err, "failed to parse workflow")
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Validate checks structural rules that would otherwise surface mid-run.
func (wf *Workflow) Validate() error {
	if len(wf.On) == 0 {
		return ErrNoTriggers
	}
	for kind := range wf.On {
		if !kind.Valid() {
			return errors.Wrapf(ErrUnknownEvent, "%q", kind)
		}
	}
	if len(wf.Jobs) == 0 {
		return ErrNoJobs
	}

	seen := map[string]bool{}
	for _, job := range wf.Jobs {
		if seen[job.ID] {
			return errors.Errorf("duplicate job %q", job.ID)
		}
		seen[job.ID] = true
		if len(job.Steps) == 0 {
			return errors.Errorf("job %q has no steps", job.ID)
		}
		for i := range job.Steps {
			step := &job.Steps[i]
			if (step.Run == "") == (step.Uses == "") {
				return errors.Wrapf(ErrInvalidStep, "job %q step %d", job.ID, i+1)
			}
			if step.Kind != "" && !knownKinds[step.Kind] {
				return errors.Wrapf(ErrUnknownKind, "job %q step %q: %q", job.ID, step.DisplayName(), step.Kind)
			}
			if step.Uses != "" {
				if _, err := lookupAction(step.Uses); err != nil {
					return errors.Wrapf(err, "job %q step %q", job.ID, step.DisplayName())
				}
			}
			if err := checkCondition(step.If); err != nil {
				return errors.Wrapf(err, "job %q step %q", job.ID, step.DisplayName())
			}
		}
	}

	_, err := wf.Plan()
	return err
}
