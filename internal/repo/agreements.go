package repo

import (
	"context"
	"database/sql"

	"redline/internal/domain"
)

// SignedVersionsTx reads the contributor's signed versions inside the same
// transaction as the write that will act on them, so two concurrent
// signature requests cannot both observe a clean ledger.
func (r Repo) SignedVersionsTx(ctx context.Context, tx *sql.Tx, contributorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT version FROM signed_agreements WHERE contributor_id=? ORDER BY accepted_at ASC`, contributorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (r Repo) InsertSignedAgreementTx(ctx context.Context, tx *sql.Tx, rec domain.SignedAgreement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO signed_agreements(id,contributor_id,version,accepted_at,author_name,author_email,ip,user_agent,hash_sha256) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ContributorID, rec.Version, rec.AcceptedAt, rec.AuthorName, rec.AuthorEmail,
		nullable(rec.IP), nullable(rec.UserAgent), nullable(rec.HashSHA256))
	return err
}

func (r Repo) ListSignedAgreements(ctx context.Context, contributorID string) ([]domain.SignedAgreement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,contributor_id,version,accepted_at,author_name,author_email,COALESCE(ip,''),COALESCE(user_agent,''),COALESCE(hash_sha256,'') FROM signed_agreements WHERE contributor_id=? ORDER BY accepted_at ASC`, contributorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SignedAgreement
	for rows.Next() {
		var rec domain.SignedAgreement
		if err := rows.Scan(&rec.ID, &rec.ContributorID, &rec.Version, &rec.AcceptedAt, &rec.AuthorName, &rec.AuthorEmail, &rec.IP, &rec.UserAgent, &rec.HashSHA256); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// SetSignedAgreementHash records the rendered document hash on the ledger row.
func (r Repo) SetSignedAgreementHash(ctx context.Context, contributorID, version, hash string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE signed_agreements SET hash_sha256=? WHERE contributor_id=? AND version=?`, hash, contributorID, version)
	return err
}
