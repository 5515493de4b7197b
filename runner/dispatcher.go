package runner

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"pipegate/events"
	"pipegate/logx"
	"pipegate/runner/storage"
)

// ErrQueueFull is returned when the dispatcher cannot accept more runs.
var ErrQueueFull = errors.New("run queue is full")

// ErrDispatcherStopped is returned by Dispatch after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// DispatchOptions tunes the dispatcher.
type DispatchOptions struct {
	MaxParallel      int
	QueueSize        int
	CancelSuperseded bool
	WorkspaceRoot    string
	ArtifactRoot     string
	KeepWorkspaces   bool
	Shell            string
}

// Dispatcher turns repository events into isolated workflow runs. Runs for
// different events execute concurrently up to MaxParallel and share nothing
// but the storage handle.
type Dispatcher struct {
	registry *Registry
	storage  *storage.Storage
	broker   *events.EventBroker
	opts     DispatchOptions

	queue    chan *queuedRun
	slots    chan struct{} // one token per active run
	stopChan chan struct{}
	done     chan struct{} // closed when Start returns
	stopOnce sync.Once
	baseCtx  context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
	pending  sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopped  bool
	inflight map[string]*queuedRun // latest run per project/event/branch
	gen      uint64

	run func(context.Context, *Workflow, RunOptions) (*RunResult, error)
}

type queuedRun struct {
	ctx      context.Context
	cancel   context.CancelFunc
	key      string
	gen      uint64
	project  Project
	workflow *Workflow
	event    Event
}

// Dispatched describes a run accepted by Dispatch.
type Dispatched struct {
	Project  string `json:"project"`
	Workflow string `json:"workflow"`
}

// NewDispatcher creates a dispatcher; call Start to begin executing runs.
func NewDispatcher(registry *Registry, store *storage.Storage, broker *events.EventBroker, opts DispatchOptions) *Dispatcher {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry: registry,
		storage:  store,
		broker:   broker,
		opts:     opts,
		queue:    make(chan *queuedRun, opts.QueueSize),
		slots:    make(chan struct{}, opts.MaxParallel),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
		inflight: make(map[string]*queuedRun),
		run:      RunWorkflow,
	}
	return d
}

// Start executes queued runs until Stop is called. It must be called at
// most once; later calls return immediately.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	defer close(d.done)

	logx.Info("📅 dispatcher started", "max_parallel", d.opts.MaxParallel)
	for {
		select {
		case qr := <-d.queue:
			if !d.acquire() {
				d.dropQueued(qr)
				d.stopLoop()
				return
			}
			d.group.Go(func() error {
				defer func() { <-d.slots }()
				d.execute(qr)
				return nil
			})
		case <-d.stopChan:
			d.stopLoop()
			return
		}
	}
}

// acquire waits for a free run slot. It reports false once Stop is called,
// including when a slot and the stop signal are ready together.
func (d *Dispatcher) acquire() bool {
	select {
	case <-d.stopChan:
		return false
	default:
	}
	select {
	case d.slots <- struct{}{}:
		select {
		case <-d.stopChan:
			<-d.slots
			return false
		default:
			return true
		}
	case <-d.stopChan:
		return false
	}
}

func (d *Dispatcher) stopLoop() {
	d.drain()
	logx.Info("📅 dispatcher stopped")
}

// Stop cancels in-flight runs, drops queued ones and waits until no run is
// executing. No run starts after Stop returns.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		started := d.started
		d.mu.Unlock()
		d.cancel()
		close(d.stopChan)
		if started {
			// Start is the only caller of group.Go
			<-d.done
		} else {
			d.drain()
		}
	})
	d.group.Wait()
}

// Wait blocks until every dispatched run has finished or been dropped.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

func (d *Dispatcher) drain() {
	for {
		select {
		case qr := <-d.queue:
			d.dropQueued(qr)
		default:
			return
		}
	}
}

func (d *Dispatcher) dropQueued(qr *queuedRun) {
	d.release(qr)
	d.pending.Done()
}

// Dispatch queues one run per project whose workflow ev triggers. A non-empty
// project restricts matching to that project.
func (d *Dispatcher) Dispatch(ev Event, project string) ([]Dispatched, error) {
	if project != "" {
		if _, err := d.registry.Get(project); err != nil {
			return nil, err
		}
	}

	accepted := make([]Dispatched, 0)
	for _, p := range d.registry.Projects() {
		if project != "" && p.Name != project {
			continue
		}
		wf, err := LoadWorkflow(p.WorkflowPath(d.registry.BaseDir()))
		if err != nil {
			logx.Warn("⚠️  skipping project with invalid workflow", "project", p.Name, "err", err)
			continue
		}
		if !wf.Triggers(ev) {
			continue
		}
		if err := d.enqueue(p, wf, ev); err != nil {
			return accepted, err
		}
		accepted = append(accepted, Dispatched{Project: p.Name, Workflow: wf.Name})
	}
	return accepted, nil
}

func (d *Dispatcher) enqueue(p Project, wf *Workflow, ev Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrDispatcherStopped
	}

	ctx, cancel := context.WithCancel(d.baseCtx)
	d.gen++
	qr := &queuedRun{
		ctx:      ctx,
		cancel:   cancel,
		key:      p.Name + "|" + ev.Key(),
		gen:      d.gen,
		project:  p,
		workflow: wf,
		event:    ev,
	}

	d.pending.Add(1)
	select {
	case d.queue <- qr:
	default:
		d.pending.Done()
		cancel()
		return ErrQueueFull
	}

	if prev, ok := d.inflight[qr.key]; ok && d.opts.CancelSuperseded {
		logx.Info("⏹️  superseding previous run", "project", p.Name, "event", ev.Kind, "branch", ev.Branch)
		prev.cancel()
	}
	d.inflight[qr.key] = qr

	if d.broker != nil {
		d.broker.Broadcast(events.RunQueued, map[string]interface{}{
			"project": p.Name,
			"event":   ev.Kind,
			"branch":  ev.Branch,
			"sha":     ev.SHA,
		})
	}
	return nil
}

func (d *Dispatcher) execute(qr *queuedRun) {
	defer d.pending.Done()
	defer d.release(qr)

	result, err := d.run(qr.ctx, qr.workflow, RunOptions{
		Event:         qr.event,
		Project:       qr.project.Name,
		Source:        qr.project.SourcePath(d.registry.BaseDir()),
		Storage:       d.storage,
		Events:        d.broker,
		WorkspaceRoot: d.opts.WorkspaceRoot,
		ArtifactRoot:  d.opts.ArtifactRoot,
		KeepWorkspace: d.opts.KeepWorkspaces,
		Shell:         d.opts.Shell,
	})
	switch {
	case result == nil:
		logx.Error("❌ run could not start", "project", qr.project.Name, "err", err)
	case err != nil:
		logx.Warn("❌ run finished", "project", qr.project.Name, "run", result.RunID, "status", result.Status, "err", err)
	default:
		logx.Info("✅ run finished", "project", qr.project.Name, "run", result.RunID, "status", result.Status)
	}
}

func (d *Dispatcher) release(qr *queuedRun) {
	qr.cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.inflight[qr.key]; ok && cur.gen == qr.gen {
		delete(d.inflight, qr.key)
	}
}
