package runner

import (
	"github.com/dominikbraun/graph"
	"github.com/pkg/errors"
)

// Plan orders jobs so that every job follows the jobs it needs. Jobs with
// no ordering constraint between them keep their declaration order.
func (wf *Workflow) Plan() ([]*Job, error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	index := make(map[string]int, len(wf.Jobs))
	for i, job := range wf.Jobs {
		index[job.ID] = i
		if err := g.AddVertex(job.ID); err != nil {
			return nil, errors.Wrapf(err, "job %q", job.ID)
		}
	}

	for _, job := range wf.Jobs {
		for _, need := range job.Needs {
			if _, ok := index[need]; !ok {
				return nil, errors.Wrapf(ErrUnknownNeed, "job %q needs %q", job.ID, need)
			}
			if need == job.ID {
				return nil, errors.Wrapf(ErrCyclicNeeds, "job %q needs itself", job.ID)
			}
			err := g.AddEdge(need, job.ID)
			if errors.Is(err, graph.ErrEdgeAlreadyExists) {
				continue
			}
			if errors.Is(err, graph.ErrEdgeCreatesCycle) {
				return nil, errors.Wrapf(ErrCyclicNeeds, "job %q needs %q", job.ID, need)
			}
			if err != nil {
				return nil, errors.Wrapf(err, "job %q needs %q", job.ID, need)
			}
		}
	}

	order, err := graph.StableTopologicalSort(g, func(a, b string) bool {
		return index[a] < index[b]
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to order jobs")
	}

	jobs := make([]*Job, 0, len(order))
	for _, id := range order {
		jobs = append(jobs, wf.Jobs[index[id]])
	}
	return jobs, nil
}
