package repo

import (
	"context"
	"database/sql"

	"redline/internal/domain"
)

// InsertSignatureJobTx enqueues the audit-trail enrichment in the same
// transaction as the accepted signature, so a committed signature always has
// a job and a rolled-back one never does.
func (r Repo) InsertSignatureJobTx(ctx context.Context, tx *sql.Tx, job domain.SignatureJob) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO signature_jobs(id,contribution_id,contributor_id,version,status,attempts,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		job.ID, job.ContributionID, job.ContributorID, job.Version, job.Status, job.Attempts, job.CreatedAt, job.UpdatedAt)
	return err
}

func (r Repo) PendingSignatureJobs(ctx context.Context, limit int) ([]domain.SignatureJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,contribution_id,contributor_id,version,status,attempts,COALESCE(last_error,''),created_at,updated_at FROM signature_jobs WHERE status='pending' ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SignatureJob
	for rows.Next() {
		var job domain.SignatureJob
		if err := rows.Scan(&job.ID, &job.ContributionID, &job.ContributorID, &job.Version, &job.Status, &job.Attempts, &job.LastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, job)
	}
	return res, rows.Err()
}

func (r Repo) MarkSignatureJobSent(ctx context.Context, id, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE signature_jobs SET status='sent', attempts=attempts+1, last_error=NULL, updated_at=? WHERE id=?`, updatedAt, id)
	return err
}

// MarkSignatureJobFailed keeps the job pending for a later retry; the
// signature itself stays committed either way.
func (r Repo) MarkSignatureJobFailed(ctx context.Context, id, errMsg, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE signature_jobs SET attempts=attempts+1, last_error=?, updated_at=? WHERE id=?`, errMsg, updatedAt, id)
	return err
}
