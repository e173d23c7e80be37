package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"redline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const contributionColumns = `id,contributor_id,contributor_email,status,current_step,path,language,
COALESCE(brief,''),COALESCE(interview_history,''),COALESCE(draft_content,''),
review_status,review_updated_at,reviewer_email,review_note,agreement_json,
created_at,updated_at,last_saved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContribution(row rowScanner) (domain.Contribution, error) {
	var c domain.Contribution
	var reviewStatus, reviewUpdatedAt, reviewerEmail, reviewNote, agreementJSON sql.NullString
	err := row.Scan(&c.ID, &c.ContributorID, &c.ContributorEmail, &c.Status, &c.CurrentStep,
		&c.Path, &c.Language, &c.Brief, &c.InterviewHistory, &c.DraftContent,
		&reviewStatus, &reviewUpdatedAt, &reviewerEmail, &reviewNote, &agreementJSON,
		&c.CreatedAt, &c.UpdatedAt, &c.LastSavedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if reviewStatus.Valid && reviewStatus.String != "" {
		c.Review = &domain.Review{
			Status:        reviewStatus.String,
			UpdatedAt:     reviewUpdatedAt.String,
			ReviewerEmail: reviewerEmail.String,
			Note:          reviewNote.String,
		}
	}
	if agreementJSON.Valid && agreementJSON.String != "" {
		var ag domain.Agreement
		if err := json.Unmarshal([]byte(agreementJSON.String), &ag); err != nil {
			return c, fmt.Errorf("decode agreement for %s: %w", c.ID, err)
		}
		c.Agreement = &ag
	}
	return c, nil
}

func (r Repo) InsertContributionTx(ctx context.Context, tx *sql.Tx, c domain.Contribution) error {
	agreementJSON, err := marshalAgreement(c.Agreement)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO contributions(id,contributor_id,contributor_email,status,current_step,path,language,brief,interview_history,draft_content,review_status,review_updated_at,reviewer_email,review_note,agreement_json,created_at,updated_at,last_saved_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ContributorID, c.ContributorEmail, c.Status, c.CurrentStep, c.Path, c.Language,
		nullable(c.Brief), nullable(c.InterviewHistory), nullable(c.DraftContent),
		reviewField(c.Review, func(rv *domain.Review) string { return rv.Status }),
		reviewField(c.Review, func(rv *domain.Review) string { return rv.UpdatedAt }),
		reviewField(c.Review, func(rv *domain.Review) string { return rv.ReviewerEmail }),
		reviewField(c.Review, func(rv *domain.Review) string { return rv.Note }),
		agreementJSON, c.CreatedAt, c.UpdatedAt, c.LastSavedAt)
	return err
}

func (r Repo) UpdateContributionTx(ctx context.Context, tx *sql.Tx, c domain.Contribution) error {
	agreementJSON, err := marshalAgreement(c.Agreement)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE contributions SET status=?, current_step=?, path=?, language=?, brief=?, interview_history=?, draft_content=?, review_status=?, review_updated_at=?, reviewer_email=?, review_note=?, agreement_json=?, updated_at=?, last_saved_at=? WHERE id=?`,
		c.Status, c.CurrentStep, c.Path, c.Language,
		nullable(c.Brief), nullable(c.InterviewHistory), nullable(c.DraftContent),
		reviewField(c.Review, func(rv *domain.Review) string { return rv.Status }),
		reviewField(c.Review, func(rv *domain.Review) string { return rv.UpdatedAt }),
		reviewField(c.Review, func(rv *domain.Review) string { return rv.ReviewerEmail }),
		reviewField(c.Review, func(rv *domain.Review) string { return rv.Note }),
		agreementJSON, c.UpdatedAt, c.LastSavedAt, c.ID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetContribution(ctx context.Context, id string) (domain.Contribution, error) {
	c, err := scanContribution(r.DB.QueryRowContext(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE id=?`, id))
	if err != nil {
		return c, err
	}
	return r.attachReviewArtifacts(ctx, c)
}

func (r Repo) GetContributionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Contribution, error) {
	c, err := scanContribution(tx.QueryRowContext(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE id=?`, id))
	if err != nil {
		return c, err
	}
	annotations, err := listAnnotations(ctx, tx, id)
	if err != nil {
		return c, err
	}
	attachAnnotations(&c, annotations)
	return c, nil
}

func (r Repo) attachReviewArtifacts(ctx context.Context, c domain.Contribution) (domain.Contribution, error) {
	annotations, err := listAnnotations(ctx, r.DB, c.ID)
	if err != nil {
		return c, err
	}
	attachAnnotations(&c, annotations)
	history, err := r.ListStatusHistory(ctx, c.ID)
	if err != nil {
		return c, err
	}
	c.StatusHistory = history
	return c, nil
}

func attachAnnotations(c *domain.Contribution, annotations []domain.Annotation) {
	if len(annotations) == 0 {
		return
	}
	if c.Review == nil {
		c.Review = &domain.Review{}
	}
	c.Review.Annotations = annotations
}

type ContributionFilters struct {
	ContributorID   string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListContributions(ctx context.Context, f ContributionFilters) ([]domain.Contribution, error) {
	var clauses []string
	var args []any
	if f.ContributorID != "" {
		clauses = append(clauses, "contributor_id=?")
		args = append(args, f.ContributorID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + contributionColumns + ` FROM contributions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// AppendStatusHistoryTx records one status/step transition. It is only called
// in the same transaction as the contribution write that caused it.
func (r Repo) AppendStatusHistoryTx(ctx context.Context, tx *sql.Tx, contributionID string, change domain.StatusChange) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO status_history(contribution_id,status,current_step,changed_at,changed_by) VALUES (?,?,?,?,?)`,
		contributionID, change.Status, change.CurrentStep, change.ChangedAt, change.ChangedBy)
	return err
}

func (r Repo) ListStatusHistory(ctx context.Context, contributionID string) ([]domain.StatusChange, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status,current_step,changed_at,changed_by FROM status_history WHERE contribution_id=? ORDER BY id ASC`, contributionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusChange
	for rows.Next() {
		var sc domain.StatusChange
		if err := rows.Scan(&sc.Status, &sc.CurrentStep, &sc.ChangedAt, &sc.ChangedBy); err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}

func (r Repo) InsertAnnotationTx(ctx context.Context, tx *sql.Tx, contributionID string, a domain.Annotation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO annotations(id,contribution_id,start_offset,end_offset,note,author_email,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, contributionID, a.Start, a.End, a.Note, a.AuthorEmail, a.CreatedAt)
	return err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listAnnotations(ctx context.Context, q querier, contributionID string) ([]domain.Annotation, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,start_offset,end_offset,note,author_email,created_at FROM annotations WHERE contribution_id=? ORDER BY created_at ASC, id ASC`, contributionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Annotation
	for rows.Next() {
		var a domain.Annotation
		if err := rows.Scan(&a.ID, &a.Start, &a.End, &a.Note, &a.AuthorEmail, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListAnnotations(ctx context.Context, contributionID string) ([]domain.Annotation, error) {
	return listAnnotations(ctx, r.DB, contributionID)
}

// PatchAgreementEnrichment fills in the document hash and view URL on the
// stored agreement after the signed document has been rendered. It leaves
// every other agreement field untouched.
func (r Repo) PatchAgreementEnrichment(ctx context.Context, contributionID, hash, viewURL, updatedAt string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var agreementJSON sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT agreement_json FROM contributions WHERE id=?`, contributionID).Scan(&agreementJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !agreementJSON.Valid || agreementJSON.String == "" {
		return fmt.Errorf("contribution %s has no agreement", contributionID)
	}
	var ag domain.Agreement
	if err := json.Unmarshal([]byte(agreementJSON.String), &ag); err != nil {
		return fmt.Errorf("decode agreement for %s: %w", contributionID, err)
	}
	ag.HashSHA256 = hash
	ag.ViewURL = viewURL
	data, err := json.Marshal(ag)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE contributions SET agreement_json=?, updated_at=? WHERE id=?`, string(data), updatedAt, contributionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalAgreement(ag *domain.Agreement) (any, error) {
	if ag == nil {
		return nil, nil
	}
	data, err := json.Marshal(ag)
	if err != nil {
		return nil, fmt.Errorf("marshal agreement: %w", err)
	}
	return string(data), nil
}

func reviewField(rv *domain.Review, pick func(*domain.Review) string) any {
	if rv == nil {
		return nil
	}
	return nullable(pick(rv))
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
