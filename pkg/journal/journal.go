package journal

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/smartvm/imgderive/pkg/errors"
)

// Journal provides run-record operations.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the run journal at dbPath.
func Open(dbPath string) (*Journal, error) {
	slog.Info("journal_open", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open journal")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create journal schema")
	}

	return &Journal{db: db}, nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Create inserts a new run record and fills in its ID.
func (j *Journal) Create(run *Run) error {
	query := `
		INSERT INTO runs (source, state, work_dir, image_uuid, instance_uuid, artifact_path, manifest_path, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := j.db.Exec(query,
		run.Source, run.State, run.WorkDir,
		run.ImageUUID, run.InstanceUUID, run.ArtifactPath, run.ManifestPath, run.ErrorMessage)
	if err != nil {
		return errors.Wrap(err, "failed to insert run")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get run id")
	}
	run.ID = id

	slog.Info("journal_run_created", "run_id", run.ID, "source", run.Source)
	return nil
}

// Update persists all mutable fields of a run.
func (j *Journal) Update(run *Run) error {
	query := `
		UPDATE runs
		SET state = ?, work_dir = ?, image_uuid = ?, instance_uuid = ?,
		    artifact_path = ?, manifest_path = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := j.db.Exec(query,
		run.State, run.WorkDir, run.ImageUUID, run.InstanceUUID,
		run.ArtifactPath, run.ManifestPath, run.ErrorMessage, run.ID)
	if err != nil {
		return errors.Wrap(err, "failed to update run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("run not found: id=%d", run.ID)
	}
	return nil
}

// SetState updates only the run state and error message.
func (j *Journal) SetState(id int64, state, errorMessage string) error {
	query := `UPDATE runs SET state = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := j.db.Exec(query, state, errorMessage, id); err != nil {
		return errors.Wrap(err, "failed to update run state")
	}
	slog.Info("journal_state_updated", "run_id", id, "state", state)
	return nil
}

const selectColumns = `
	SELECT id, source, state, work_dir, image_uuid, instance_uuid,
	       artifact_path, manifest_path, error_message, created_at, updated_at
	FROM runs
`

// Get retrieves a run by id; nil when absent.
func (j *Journal) Get(id int64) (*Run, error) {
	run, err := scanRun(j.db.QueryRow(selectColumns+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query run")
	}
	return run, nil
}

// List returns all runs, newest first.
func (j *Journal) List() ([]*Run, error) {
	rows, err := j.db.Query(selectColumns + " ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return runs, nil
}

// Delete removes a run record.
func (j *Journal) Delete(id int64) error {
	if _, err := j.db.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to delete run")
	}
	slog.Info("journal_run_deleted", "run_id", id)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var workDir, imageUUID, instanceUUID, artifactPath, manifestPath, errorMessage sql.NullString

	err := s.Scan(
		&run.ID, &run.Source, &run.State, &workDir, &imageUUID, &instanceUUID,
		&artifactPath, &manifestPath, &errorMessage, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	run.WorkDir = workDir.String
	run.ImageUUID = imageUUID.String
	run.InstanceUUID = instanceUUID.String
	run.ArtifactPath = artifactPath.String
	run.ManifestPath = manifestPath.String
	run.ErrorMessage = errorMessage.String
	return &run, nil
}
