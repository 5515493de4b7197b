package storage

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// CreateStepExecution creates a new step execution record
func (s *Storage) CreateStepExecution(runID int, job, name, kind, command string) (*StepExecution, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`INSERT INTO step_executions (run_id, job, name, kind, status, command, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, job, name, kind, "running", command, now,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create step execution")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get step execution ID")
	}

	return &StepExecution{
		ID:        int(id),
		RunID:     runID,
		Job:       job,
		Name:      name,
		Kind:      kind,
		Status:    "running",
		Command:   command,
		StartedAt: now,
	}, nil
}

// UpdateStepExecution updates step execution with output, status, and finish time
func (s *Storage) UpdateStepExecution(stepID int, status, output string, duration time.Duration) error {
	now := time.Now()
	_, err := s.db.Exec(
		"UPDATE step_executions SET status = ?, output = ?, finished_at = ?, duration = ? WHERE id = ?",
		status, output, now, duration.String(), stepID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update step execution")
	}
	return nil
}

// GetStepExecutions retrieves all step executions for a run in execution order
func (s *Storage) GetStepExecutions(runID int) ([]*StepExecution, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, job, name, kind, status, command, output, started_at, finished_at, duration
		 FROM step_executions WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query step executions")
	}
	defer rows.Close()

	steps := make([]*StepExecution, 0)
	for rows.Next() {
		var step StepExecution
		var output sql.NullString
		var finishedAt sql.NullTime
		var duration sql.NullString

		err := rows.Scan(&step.ID, &step.RunID, &step.Job, &step.Name, &step.Kind, &step.Status,
			&step.Command, &output, &step.StartedAt, &finishedAt, &duration)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan step execution")
		}

		if output.Valid {
			step.Output = output.String
		}
		if finishedAt.Valid {
			step.FinishedAt = &finishedAt.Time
		}
		if duration.Valid {
			durationStr := duration.String
			step.Duration = &durationStr
		}

		steps = append(steps, &step)
	}

	return steps, rows.Err()
}
