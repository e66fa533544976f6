package runstore

import (
	"database/sql"
	"time"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
)

// PutResult upserts a job result record. A record that already reached a
// terminal status is never overwritten: under redelivery, only the attempt
// that first recorded a terminal result counts, so competing attempts are
// harmless.
func (s *Store) PutResult(r *jobproto.JobResult) error {
	now := time.Now()
	var expires interface{}
	if r.TTL > 0 {
		expires = now.Add(r.TTL).UnixMilli()
	}

	_, err := s.db.Exec(`
		INSERT INTO job_results (job_id, status, error_message, result_location, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			result_location = excluded.result_location,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
		WHERE job_results.status NOT IN ('completed', 'failed')
	`, r.JobID, string(r.Status), r.ErrorMessage, r.ResultLocation, now.UnixMilli(), expires)
	return err
}

// GetResult retrieves a job result by id, or nil when none has been written
func (s *Store) GetResult(jobID string) (*jobproto.JobResult, error) {
	row := s.db.QueryRow(`
		SELECT job_id, status, error_message, result_location, updated_at
		FROM job_results WHERE job_id = ?
	`, jobID)

	var r jobproto.JobResult
	var status string
	var errMsg, location sql.NullString
	var updatedAt int64

	err := row.Scan(&r.JobID, &status, &errMsg, &location, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.Status = jobproto.ResultStatus(status)
	if errMsg.Valid {
		r.ErrorMessage = errMsg.String
	}
	if location.Valid {
		r.ResultLocation = location.String
	}
	r.UpdatedAt = time.UnixMilli(updatedAt)
	return &r, nil
}

// SweepExpiredResults deletes result records past their TTL and returns how
// many were removed.
func (s *Store) SweepExpiredResults() (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM job_results WHERE expires_at IS NOT NULL AND expires_at < ?
	`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
