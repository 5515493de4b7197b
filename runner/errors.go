package runner

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNoJobs                 = errors.New("workflow has no jobs")
	ErrNoTriggers             = errors.New("workflow has no triggers")
	ErrInvalidStep            = errors.New("step must set exactly one of run or uses")
	ErrUnknownNeed            = errors.New("job needs an unknown job")
	ErrCyclicNeeds            = errors.New("job needs form a cycle")
	ErrUnknownKind            = errors.New("unknown stage kind")
	ErrUnknownAction          = errors.New("unknown action")
	ErrUnknownEvent           = errors.New("unknown event")
	ErrInterpreterUnavailable = errors.New("interpreter unavailable")
	ErrCoverageBelowThreshold = errors.New("coverage below threshold")
	ErrNoCheckoutSource       = errors.New("no source to check out")
	ErrProjectNotFound        = errors.New("project not found")
)

// StageKind classifies a step for failure reporting.
type StageKind string

const (
	KindStep        StageKind = "step"
	KindCheckout    StageKind = "checkout"
	KindEnvironment StageKind = "environment"
	KindDependency  StageKind = "dependency"
	KindLint        StageKind = "lint"
	KindFormat      StageKind = "format"
	KindTest        StageKind = "test"
	KindCoverage    StageKind = "coverage"
)

var knownKinds = map[StageKind]bool{
	KindStep: true, KindCheckout: true, KindEnvironment: true, KindDependency: true,
	KindLint: true, KindFormat: true, KindTest: true, KindCoverage: true,
}

// StepError reports which stage of which job failed.
type StepError struct {
	Job  string
	Step string
	Kind StageKind
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failure in job %q step %q: %v", e.Kind, e.Job, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Cause lets errors.Cause reach the underlying error.
func (e *StepError) Cause() error { return e.Err }

// AsStepError extracts the StepError from err, if any.
func AsStepError(err error) (*StepError, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
