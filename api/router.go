package api

import (
	"net/http"
	"strings"

	"pipegate/events"
	"pipegate/runner"
	"pipegate/runner/storage"
)

// NewRouter wires the HTTP API.
func NewRouter(store *storage.Storage, registry *runner.Registry, dispatcher EventDispatcher, broker *events.EventBroker) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/runs", GetRuns(store))
	mux.HandleFunc("/api/runs/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/status") {
			GetRunStatus(store)(w, r)
			return
		}
		GetRun(store)(w, r)
	})

	mux.HandleFunc("/api/projects", GetProjects(registry, store))
	mux.HandleFunc("/api/projects/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/runs"):
			GetProjectRuns(registry, store)(w, r)
		case strings.HasSuffix(r.URL.Path, "/status"):
			GetProjectStatus(registry, store)(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/api/events", PostEvent(dispatcher))
	mux.HandleFunc("/api/stream", SSEHandler(broker))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return CORS(mux)
}

// CORS allows the dashboard to be served from another origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
