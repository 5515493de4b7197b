package storage

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// NewRun describes a run about to start
type NewRun struct {
	ProjectName string
	Workflow    string
	ConfigPath  string
	Event       string
	Branch      string
	SHA         string
}

const runColumns = "id, status, config_path, project_name, workflow, event, branch, sha, failed_stage, failed_step, started_at, finished_at, duration"

// CreateRun creates a new run record in the running state
func (s *Storage) CreateRun(nr NewRun) (*Run, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`INSERT INTO runs (status, config_path, project_name, workflow, event, branch, sha, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"running", nr.ConfigPath, nr.ProjectName, nr.Workflow, nr.Event, nr.Branch, nr.SHA, now,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create run")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get run ID")
	}

	return &Run{
		ID:          int(id),
		Status:      "running",
		ProjectName: nr.ProjectName,
		Workflow:    nr.Workflow,
		ConfigPath:  nr.ConfigPath,
		Event:       nr.Event,
		Branch:      nr.Branch,
		SHA:         nr.SHA,
		StartedAt:   now,
	}, nil
}

// FinishRun records the terminal status of a run
func (s *Storage) FinishRun(runID int, f RunFinish) error {
	now := time.Now()
	res, err := s.db.Exec(
		"UPDATE runs SET status = ?, failed_stage = ?, failed_step = ?, finished_at = ?, duration = ? WHERE id = ?",
		f.Status, f.FailedStage, f.FailedStep, now, f.Duration.String(), runID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update run status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "run %d", runID)
	}
	return nil
}

// GetRuns retrieves runs, most recent first. An empty project lists all.
func (s *Storage) GetRuns(project string, limit int) ([]*Run, error) {
	query := "SELECT " + runColumns + " FROM runs"
	args := []any{}
	if project != "" {
		query += " WHERE project_name = ?"
		args = append(args, project)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	runs := make([]*Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// GetRun retrieves a single run by ID
func (s *Storage) GetRun(runID int) (*Run, error) {
	row := s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", runID)
	r, err := scanRun(row)
	if errors.Cause(err) == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "run %d", runID)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// LatestByBranch returns the newest run for every (project, event, branch)
func (s *Storage) LatestByBranch(project string) ([]BranchStatus, error) {
	rows, err := s.db.Query(
		`SELECT r.project_name, r.branch, r.event, r.id, r.status, r.started_at
		 FROM runs r
		 WHERE r.project_name = ? AND r.id = (
			SELECT MAX(id) FROM runs i
			WHERE i.project_name = r.project_name AND i.branch = r.branch AND i.event = r.event
		 )
		 ORDER BY r.branch, r.event`,
		project,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query branch status")
	}
	defer rows.Close()

	out := make([]BranchStatus, 0)
	for rows.Next() {
		var bs BranchStatus
		var started time.Time
		if err := rows.Scan(&bs.ProjectName, &bs.Branch, &bs.Event, &bs.RunID, &bs.Status, &started); err != nil {
			return nil, errors.Wrap(err, "failed to scan branch status")
		}
		bs.StartedAt = started.Format(time.RFC3339)
		out = append(out, bs)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	var finishedAt sql.NullTime
	var duration sql.NullString

	err := sc.Scan(&r.ID, &r.Status, &r.ConfigPath, &r.ProjectName, &r.Workflow, &r.Event,
		&r.Branch, &r.SHA, &r.FailedStage, &r.FailedStep, &r.StartedAt, &finishedAt, &duration)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan run")
	}

	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	if duration.Valid {
		durationStr := duration.String
		r.Duration = &durationStr
	}
	return &r, nil
}
