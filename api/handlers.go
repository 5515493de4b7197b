package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"pipegate/logx"
	"pipegate/runner"
	"pipegate/runner/storage"
)

const (
	defaultRunLimit = 100
	maxRunLimit     = 1000
)

// EventDispatcher starts runs for repository events.
type EventDispatcher interface {
	Dispatch(ev runner.Event, project string) ([]runner.Dispatched, error)
}

// GetRuns returns recent runs, optionally filtered by ?project=
func GetRuns(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		limit, err := parseLimit(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		runs, err := store.GetRuns(r.URL.Query().Get("project"), limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get runs: %v", err), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, runs)
	}
}

// GetRun returns a single run with its steps and annotations
func GetRun(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// /api/runs/:id
		runID, ok := runIDFromPath(w, r)
		if !ok {
			return
		}

		run, err := store.GetRun(runID)
		if err != nil {
			storeError(w, err)
			return
		}

		steps, err := store.GetStepExecutions(runID)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get steps: %v", err), http.StatusInternalServerError)
			return
		}

		annotations, err := store.GetAnnotations(runID)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get annotations: %v", err), http.StatusInternalServerError)
			return
		}

		type RunResponse struct {
			Run         *storage.Run             `json:"run"`
			Steps       []*storage.StepExecution `json:"steps"`
			Annotations []storage.Annotation     `json:"annotations"`
		}

		writeJSON(w, http.StatusOK, RunResponse{Run: run, Steps: steps, Annotations: annotations})
	}
}

// GetRunStatus returns just the status of a run (lightweight for polling)
func GetRunStatus(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// /api/runs/:id/status
		runID, ok := runIDFromPath(w, r)
		if !ok {
			return
		}

		run, err := store.GetRun(runID)
		if err != nil {
			storeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":           run.ID,
			"status":       run.Status,
			"failed_stage": run.FailedStage,
		})
	}
}

// GetProjects returns all registered projects with their latest status per
// branch
func GetProjects(registry *runner.Registry, store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		type ProjectResponse struct {
			runner.Project
			Valid    bool                   `json:"valid"`
			Error    string                 `json:"error,omitempty"`
			Branches []storage.BranchStatus `json:"branches"`
		}

		list := registry.Projects()
		projects := make([]ProjectResponse, 0, len(list))
		for _, project := range list {
			pr := ProjectResponse{Project: project, Valid: true, Branches: []storage.BranchStatus{}}
			if err := project.Validate(registry.BaseDir()); err != nil {
				pr.Valid = false
				pr.Error = err.Error()
			}
			branches, err := store.LatestByBranch(project.Name)
			if err != nil {
				http.Error(w, fmt.Sprintf("Failed to get project status: %v", err), http.StatusInternalServerError)
				return
			}
			pr.Branches = branches
			projects = append(projects, pr)
		}

		writeJSON(w, http.StatusOK, projects)
	}
}

// GetProjectRuns returns runs for a specific project
func GetProjectRuns(registry *runner.Registry, store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// /api/projects/:name/runs
		name, ok := projectFromPath(w, r, registry)
		if !ok {
			return
		}

		limit, err := parseLimit(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		runs, err := store.GetRuns(name, limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get runs: %v", err), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, runs)
	}
}

// GetProjectStatus returns the latest run per event and branch of a project
func GetProjectStatus(registry *runner.Registry, store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// /api/projects/:name/status
		name, ok := projectFromPath(w, r, registry)
		if !ok {
			return
		}

		branches, err := store.LatestByBranch(name)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get project status: %v", err), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, branches)
	}
}

// PostEvent receives a repository event and starts a run for every project
// whose workflow it triggers
func PostEvent(dispatcher EventDispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		var req struct {
			Event   string `json:"event"`
			Branch  string `json:"branch"`
			SHA     string `json:"sha"`
			Project string `json:"project"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
			return
		}

		ev, err := runner.ParseEvent(req.Event, req.Branch, req.SHA)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		accepted, err := dispatcher.Dispatch(ev, req.Project)
		switch {
		case errors.Cause(err) == runner.ErrProjectNotFound:
			writeError(w, http.StatusNotFound, err.Error())
			return
		case errors.Cause(err) == runner.ErrQueueFull, errors.Cause(err) == runner.ErrDispatcherStopped:
			// runs queued before the failure still execute
			if accepted == nil {
				accepted = []runner.Dispatched{}
			}
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"error": err.Error(),
				"runs":  accepted,
			})
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if len(accepted) == 0 {
			logx.Info("event matched no workflow", "event", ev.Kind, "branch", ev.Branch)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"message": "No workflow triggered",
				"runs":    accepted,
			})
			return
		}

		logx.Info("🚀 event accepted", "event", ev.Kind, "branch", ev.Branch, "sha", ev.SHA, "runs", len(accepted))
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"message": fmt.Sprintf("Started %d run(s)", len(accepted)),
			"runs":    accepted,
		})
	}
}

func runIDFromPath(w http.ResponseWriter, r *http.Request) (int, bool) {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return 0, false
	}
	runID, err := strconv.Atoi(pathParts[2])
	if err != nil {
		http.Error(w, "Invalid run ID", http.StatusBadRequest)
		return 0, false
	}
	return runID, true
}

func projectFromPath(w http.ResponseWriter, r *http.Request, registry *runner.Registry) (string, bool) {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return "", false
	}
	name := pathParts[2]
	if _, err := registry.Get(name); err != nil {
		http.Error(w, fmt.Sprintf("Project not found: %s", name), http.StatusNotFound)
		return "", false
	}
	return name, true
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultRunLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.Errorf("invalid limit %q", raw)
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}
	return limit, nil
}

func storeError(w http.ResponseWriter, err error) {
	if errors.Cause(err) == storage.ErrNotFound {
		http.Error(w, fmt.Sprintf("Run not found: %v", err), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Warn("failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}
