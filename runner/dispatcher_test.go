package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipegate/events"
)

type recordedRun struct {
	project string
	event   Event
	status  string
}

// fakeRuns stands in for RunWorkflow. Runs whose SHA is "block" wait for
// cancellation.
type fakeRuns struct {
	mu      sync.Mutex
	runs    []recordedRun
	started chan Event
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{started: make(chan Event, 16)}
}

func (f *fakeRuns) run(ctx context.Context, wf *Workflow, opts RunOptions) (*RunResult, error) {
	f.started <- opts.Event
	res := &RunResult{Status: StatusSuccess, Triggered: true}
	var err error
	if opts.Event.SHA == "block" {
		<-ctx.Done()
		res.Status = StatusCancelled
		err = ctx.Err()
	}
	f.mu.Lock()
	f.runs = append(f.runs, recordedRun{project: opts.Project, event: opts.Event, status: res.Status})
	f.mu.Unlock()
	return res, err
}

func (f *fakeRuns) snapshot() []recordedRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRun{}, f.runs...)
}

func newTestDispatcher(t *testing.T, workflows map[string]string, opts DispatchOptions) (*Dispatcher, *fakeRuns) {
	t.Helper()
	reg, err := NewRegistry(setupProjects(t, workflows))
	require.NoError(t, err)

	d := NewDispatcher(reg, nil, events.NewBroker(), opts)
	fake := newFakeRuns()
	d.run = fake.run
	go d.Start()
	t.Cleanup(d.Stop)
	return d, fake
}

func TestDispatchMatchesTriggeredProjects(t *testing.T) {
	d, fake := newTestDispatcher(t, map[string]string{
		"curator": mainOnlyWorkflow,
		"docs":    "on:\n  push: {branches: [docs]}\njobs:\n  a:\n    steps: [{run: \"true\"}]\n",
		"broken":  "jobs: {}\n",
	}, DispatchOptions{MaxParallel: 2})

	got, err := d.Dispatch(Event{Kind: EventPush, Branch: "main", SHA: "1"}, "")
	require.NoError(t, err)
	assert.Equal(t, []Dispatched{{Project: "curator", Workflow: "CI"}}, got)

	got, err = d.Dispatch(Event{Kind: EventPush, Branch: "feature"}, "")
	require.NoError(t, err)
	assert.Empty(t, got)

	d.Wait()
	runs := fake.snapshot()
	require.Len(t, runs, 1)
	assert.Equal(t, "curator", runs[0].project)
	assert.Equal(t, StatusSuccess, runs[0].status)
}

func TestDispatchToNamedProject(t *testing.T) {
	d, fake := newTestDispatcher(t, map[string]string{
		"curator": mainOnlyWorkflow,
		"other":   mainOnlyWorkflow,
	}, DispatchOptions{MaxParallel: 2})

	got, err := d.Dispatch(Event{Kind: EventPullRequest, Branch: "main"}, "other")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "other", got[0].Project)

	_, err = d.Dispatch(Event{Kind: EventPush, Branch: "main"}, "missing")
	assert.Error(t, err)

	d.Wait()
	assert.Len(t, fake.snapshot(), 1)
}

func TestNewerEventCancelsSupersededRun(t *testing.T) {
	d, fake := newTestDispatcher(t, map[string]string{"curator": mainOnlyWorkflow}, DispatchOptions{
		MaxParallel:      2,
		CancelSuperseded: true,
	})

	_, err := d.Dispatch(Event{Kind: EventPush, Branch: "main", SHA: "block"}, "")
	require.NoError(t, err)
	select {
	case <-fake.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not start")
	}

	_, err = d.Dispatch(Event{Kind: EventPush, Branch: "main", SHA: "2"}, "")
	require.NoError(t, err)
	d.Wait()

	statuses := map[string]string{}
	for _, r := range fake.snapshot() {
		statuses[r.event.SHA] = r.status
	}
	assert.Equal(t, map[string]string{"block": StatusCancelled, "2": StatusSuccess}, statuses)
}

func TestDifferentBranchesRunConcurrently(t *testing.T) {
	d, fake := newTestDispatcher(t, map[string]string{
		"curator": "on: push\njobs:\n  a:\n    steps: [{run: \"true\"}]\n",
	}, DispatchOptions{MaxParallel: 2, CancelSuperseded: true})

	_, err := d.Dispatch(Event{Kind: EventPush, Branch: "a", SHA: "block"}, "")
	require.NoError(t, err)
	_, err = d.Dispatch(Event{Kind: EventPush, Branch: "b", SHA: "block"}, "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-fake.started:
		case <-time.After(5 * time.Second):
			t.Fatal("runs did not start concurrently")
		}
	}
	assert.Empty(t, fake.snapshot(), "neither run may cancel the other")

	d.Stop()
	d.Wait()
	assert.Len(t, fake.snapshot(), 2)
}

func TestDispatchAfterStop(t *testing.T) {
	d, _ := newTestDispatcher(t, map[string]string{"curator": mainOnlyWorkflow}, DispatchOptions{})
	d.Stop()

	_, err := d.Dispatch(Event{Kind: EventPush, Branch: "main"}, "")
	assert.ErrorIs(t, err, ErrDispatcherStopped)
}

func TestStopWithQueuedRunStartsNothingAfterward(t *testing.T) {
	d, fake := newTestDispatcher(t, map[string]string{
		"curator": "on: push\njobs:\n  a:\n    steps: [{run: \"true\"}]\n",
	}, DispatchOptions{MaxParallel: 1})

	_, err := d.Dispatch(Event{Kind: EventPush, Branch: "a", SHA: "block"}, "")
	require.NoError(t, err)
	select {
	case <-fake.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not start")
	}

	_, err = d.Dispatch(Event{Kind: EventPush, Branch: "b", SHA: "2"}, "")
	require.NoError(t, err)
	// the loop has taken the second run and is waiting for a slot
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, 5*time.Second, 10*time.Millisecond)

	d.Stop()
	runs := fake.snapshot()
	require.Len(t, runs, 1)
	assert.Equal(t, "a", runs[0].event.Branch)
	assert.Equal(t, StatusCancelled, runs[0].status)

	d.Wait()
	time.Sleep(50 * time.Millisecond)
	select {
	case ev := <-fake.started:
		t.Fatalf("run for %s started after Stop returned", ev.Branch)
	default:
	}
	assert.Len(t, fake.snapshot(), 1)
}

func TestStopBeforeStart(t *testing.T) {
	reg, err := NewRegistry(setupProjects(t, map[string]string{"curator": mainOnlyWorkflow}))
	require.NoError(t, err)
	d := NewDispatcher(reg, nil, nil, DispatchOptions{})
	fake := newFakeRuns()
	d.run = fake.run

	_, err = d.Dispatch(Event{Kind: EventPush, Branch: "main"}, "")
	require.NoError(t, err)
	d.Stop()
	d.Start()
	d.Wait()
	assert.Empty(t, fake.snapshot())
}
