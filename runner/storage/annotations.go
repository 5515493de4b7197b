package storage

import "github.com/pkg/errors"

// AddAnnotations stores the diagnostics produced by one step
func (s *Storage) AddAnnotations(runID, stepID int, anns []Annotation) error {
	if len(anns) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin annotation insert")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO annotations (run_id, step_id, level, file, line, col, title, message) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return errors.Wrap(err, "failed to prepare annotation insert")
	}
	defer stmt.Close()

	for _, a := range anns {
		if _, err := stmt.Exec(runID, stepID, a.Level, a.File, a.Line, a.Col, a.Title, a.Message); err != nil {
			return errors.Wrap(err, "failed to insert annotation")
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit annotations")
}

// GetAnnotations returns all annotations for a run
func (s *Storage) GetAnnotations(runID int) ([]Annotation, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, step_id, level, file, line, col, title, message FROM annotations WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query annotations")
	}
	defer rows.Close()

	out := make([]Annotation, 0)
	for rows.Next() {
		var a Annotation
		if err := rows.Scan(&a.ID, &a.RunID, &a.StepID, &a.Level, &a.File, &a.Line, &a.Col, &a.Title, &a.Message); err != nil {
			return nil, errors.Wrap(err, "failed to scan annotation")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
