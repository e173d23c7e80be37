package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"redline/internal/agreement"
	"redline/internal/config"
	"redline/internal/domain"
	"redline/internal/engine/auth"
	"redline/internal/events"
	"redline/internal/repo"
)

// Engine holds the dependencies shared by all contribution operations.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Renderer agreement.Renderer
	Now      func() time.Time
}

// New wires an engine around an open database handle.
func New(conn *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn},
		Config: cfg,
	}
}

const (
	StatusPitch            = "pitch"
	StatusDraft            = "draft"
	StatusReview           = "review"
	StatusChangesRequested = "changes_requested"
	StatusApproved         = "approved"
	StatusRejected         = "rejected"
	StatusPublished        = "published"
)

// ValidationError marks input the caller can correct and resubmit.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// ConflictError marks a request that collides with already recorded state.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) renderer() agreement.Renderer {
	if e.Renderer != nil {
		return e.Renderer
	}
	return agreement.TextRenderer{}
}

func ensureStatusTransition(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	allowed := map[string][]string{
		StatusPitch:            {StatusDraft},
		StatusDraft:            {StatusReview},
		StatusReview:           {StatusApproved, StatusChangesRequested, StatusRejected},
		StatusChangesRequested: {StatusDraft},
		StatusApproved:         {StatusPublished},
	}
	for _, s := range allowed[oldStatus] {
		if s == newStatus {
			return nil
		}
	}
	return ValidationError{Msg: fmt.Sprintf("invalid status transition %s -> %s", oldStatus, newStatus)}
}

// AgreementSubmission is the agreement payload a contributor sends with a
// save. Checkboxes arrive from the client; everything else about the
// recorded signature is stamped server-side.
type AgreementSubmission struct {
	Version         string
	CheckboxGeneral bool
	Checkbox1341    bool
	AuthorName      string
	FiscalCode      string
}

// SaveProgressInput carries one autosave or submit from a contributor.
// Empty string fields leave the stored value unchanged.
type SaveProgressInput struct {
	ContributionID   string
	Status           string
	CurrentStep      string
	Path             string
	Language         string
	Brief            string
	InterviewHistory string
	DraftContent     string
	Agreement        *AgreementSubmission
	RemoteIP         string
	UserAgent        string
}

type SaveProgressResult struct {
	ContributionID    string
	LastSavedAt       string
	Created           bool
	AgreementDecision agreement.Decision
}

// SaveProgress persists a contributor's progress. A missing or unknown
// ContributionID falls back to creating a fresh record so autosave survives
// stale client state; the caller must adopt the returned id. An agreement
// payload is run through the signature policy inside the same transaction
// as the write it governs.
func (e Engine) SaveProgress(ctx context.Context, principal auth.Principal, in SaveProgressInput) (SaveProgressResult, error) {
	var res SaveProgressResult
	ts := e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	var c domain.Contribution
	created := false
	if in.ContributionID != "" {
		c, err = e.Repo.GetContributionTx(ctx, tx, in.ContributionID)
		if err == repo.ErrNotFound {
			created = true
		} else if err != nil {
			return res, err
		}
	} else {
		created = true
	}

	if created {
		c = e.newContribution(principal, ts)
	} else if !principal.Admin && c.ContributorID != principal.ActorID {
		return res, auth.NotOwnerError{ContributionID: c.ID}
	}

	prevStatus, prevStep := c.Status, c.CurrentStep
	applyPatch(&c, in)
	if err := ensureStatusTransition(prevStatus, c.Status); err != nil && !created {
		return res, err
	}

	if in.Agreement != nil {
		decision, err := e.applyAgreement(ctx, tx, &c, principal, in, ts)
		if err != nil {
			return res, err
		}
		res.AgreementDecision = decision
	}

	c.UpdatedAt = ts
	c.LastSavedAt = ts

	if created {
		if err := e.Repo.InsertContributionTx(ctx, tx, c); err != nil {
			return res, fmt.Errorf("insert contribution: %w", err)
		}
		change := domain.StatusChange{Status: c.Status, CurrentStep: c.CurrentStep, ChangedAt: ts, ChangedBy: principal.ActorID}
		if err := e.Repo.AppendStatusHistoryTx(ctx, tx, c.ID, change); err != nil {
			return res, err
		}
		if err := e.Events.Append(ctx, tx, "contribution.created", "contribution", c.ID, principal.ActorID, nil); err != nil {
			return res, err
		}
	} else {
		if err := e.Repo.UpdateContributionTx(ctx, tx, c); err != nil {
			return res, fmt.Errorf("update contribution: %w", err)
		}
		if c.Status != prevStatus || c.CurrentStep != prevStep {
			change := domain.StatusChange{Status: c.Status, CurrentStep: c.CurrentStep, ChangedAt: ts, ChangedBy: principal.ActorID}
			if err := e.Repo.AppendStatusHistoryTx(ctx, tx, c.ID, change); err != nil {
				return res, err
			}
		}
		if err := e.Events.Append(ctx, tx, "contribution.saved", "contribution", c.ID, principal.ActorID, nil); err != nil {
			return res, err
		}
	}

	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.ContributionID = c.ID
	res.LastSavedAt = ts
	res.Created = created
	return res, nil
}

func (e Engine) newContribution(principal auth.Principal, ts string) domain.Contribution {
	c := domain.Contribution{
		ID:               uuid.NewString(),
		ContributorID:    principal.ActorID,
		ContributorEmail: principal.Email,
		Status:           StatusPitch,
		CreatedAt:        ts,
		UpdatedAt:        ts,
		LastSavedAt:      ts,
	}
	if e.Config != nil {
		c.CurrentStep = e.Config.Defaults.CurrentStep
		c.Path = e.Config.Defaults.Path
		c.Language = e.Config.Defaults.Language
		c.Brief = e.Config.Defaults.Brief
	}
	return c
}

func applyPatch(c *domain.Contribution, in SaveProgressInput) {
	if in.Status != "" {
		c.Status = in.Status
	}
	if in.CurrentStep != "" {
		c.CurrentStep = in.CurrentStep
	}
	if in.Path != "" {
		c.Path = in.Path
	}
	if in.Language != "" {
		c.Language = in.Language
	}
	if in.Brief != "" {
		c.Brief = in.Brief
	}
	if in.InterviewHistory != "" {
		c.InterviewHistory = in.InterviewHistory
	}
	if in.DraftContent != "" {
		c.DraftContent = in.DraftContent
	}
}

// applyAgreement evaluates the signature policy against the ledger read in
// this transaction and, when the signature is accepted, records the ledger
// row and queues the audit enrichment in the same transaction. On a
// duplicate version the submitted payload is dropped so the previously
// recorded signature survives verbatim.
func (e Engine) applyAgreement(ctx context.Context, tx *sql.Tx, c *domain.Contribution, principal auth.Principal, in SaveProgressInput, ts string) (agreement.Decision, error) {
	sub := in.Agreement
	versions, err := e.Repo.SignedVersionsTx(ctx, tx, c.ContributorID)
	if err != nil {
		return "", err
	}
	maxVersions := agreement.DefaultMaxVersions
	if e.Config != nil && e.Config.Agreements.MaxSignedVersions > 0 {
		maxVersions = e.Config.Agreements.MaxSignedVersions
	}
	decision := agreement.DecideWithLimit(versions, sub.Version, maxVersions)
	switch decision {
	case agreement.DecisionInvalidVersion:
		return decision, ValidationError{Msg: "invalid agreement version"}
	case agreement.DecisionMaxVersions:
		return decision, ConflictError{Msg: fmt.Sprintf("contributor already signed %d agreement versions", len(versions))}
	case agreement.DecisionAlreadySigned:
		return decision, nil
	}

	if !sub.CheckboxGeneral || !sub.Checkbox1341 {
		return decision, ValidationError{Msg: "both agreement checkboxes must be accepted"}
	}
	if strings.TrimSpace(sub.AuthorName) == "" {
		return decision, ValidationError{Msg: "author name required to sign"}
	}
	if e.Config != nil {
		if _, ok := e.Config.AgreementText(sub.Version); !ok {
			return decision, ValidationError{Msg: fmt.Sprintf("unknown agreement version %s", sub.Version)}
		}
	}

	c.Agreement = &domain.Agreement{
		Version:         sub.Version,
		CheckboxGeneral: true,
		Checkbox1341:    true,
		AcceptedAt:      ts,
		AuthorName:      strings.TrimSpace(sub.AuthorName),
		AuthorEmail:     c.ContributorEmail,
		FiscalCode:      strings.TrimSpace(sub.FiscalCode),
		IP:              in.RemoteIP,
		UserAgent:       in.UserAgent,
	}
	rec := domain.SignedAgreement{
		ID:            uuid.NewString(),
		ContributorID: c.ContributorID,
		Version:       sub.Version,
		AcceptedAt:    ts,
		AuthorName:    c.Agreement.AuthorName,
		AuthorEmail:   c.Agreement.AuthorEmail,
		IP:            in.RemoteIP,
		UserAgent:     in.UserAgent,
	}
	if err := e.Repo.InsertSignedAgreementTx(ctx, tx, rec); err != nil {
		return decision, fmt.Errorf("record signature: %w", err)
	}
	job := domain.SignatureJob{
		ID:             uuid.NewString(),
		ContributionID: c.ID,
		ContributorID:  c.ContributorID,
		Version:        sub.Version,
		Status:         "pending",
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	if err := e.Repo.InsertSignatureJobTx(ctx, tx, job); err != nil {
		return decision, fmt.Errorf("queue signature job: %w", err)
	}
	payload := events.EventPayload{"version": sub.Version}
	if err := e.Events.Append(ctx, tx, "agreement.signed", "contribution", c.ID, principal.ActorID, payload); err != nil {
		return decision, err
	}
	return decision, nil
}

// AddAnnotation appends one reviewer note over a character range of the
// draft and returns the full updated annotation set. Offsets are rune
// indexes into the draft as stored right now.
func (e Engine) AddAnnotation(ctx context.Context, principal auth.Principal, contributionID string, start, end int, note string) ([]domain.Annotation, error) {
	if !principal.Admin {
		return nil, auth.ForbiddenError{Action: "annotate contributions"}
	}
	if strings.TrimSpace(note) == "" {
		return nil, ValidationError{Msg: "note must not be blank"}
	}
	if end <= start {
		return nil, ValidationError{Msg: "annotation end must be greater than start"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContributionTx(ctx, tx, contributionID)
	if err != nil {
		return nil, err
	}
	length := utf8.RuneCountInString(c.DraftContent)
	if start < 0 || end > length {
		return nil, ValidationError{Msg: fmt.Sprintf("annotation range [%d,%d) outside draft of length %d", start, end, length)}
	}

	a := domain.Annotation{
		ID:          uuid.NewString(),
		Start:       start,
		End:         end,
		Note:        note,
		AuthorEmail: principal.Email,
		CreatedAt:   e.timestamp(),
	}
	if err := e.Repo.InsertAnnotationTx(ctx, tx, contributionID, a); err != nil {
		return nil, fmt.Errorf("insert annotation: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "annotation.added", "contribution", contributionID, principal.ActorID, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e.Repo.ListAnnotations(ctx, contributionID)
}

const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionChanges = "changes"
)

// ApplyReviewAction applies an admin review decision and returns the updated
// contribution. Re-applying the same action is a no-op for status history.
func (e Engine) ApplyReviewAction(ctx context.Context, principal auth.Principal, contributionID, action, note string) (domain.Contribution, error) {
	if !principal.Admin {
		return domain.Contribution{}, auth.ForbiddenError{Action: "review contributions"}
	}

	var newStatus, reviewStatus string
	switch action {
	case ActionApprove:
		newStatus, reviewStatus = StatusApproved, StatusApproved
	case ActionReject:
		newStatus, reviewStatus = StatusRejected, StatusRejected
	case ActionChanges:
		newStatus, reviewStatus = StatusChangesRequested, StatusChangesRequested
	default:
		return domain.Contribution{}, ValidationError{Msg: fmt.Sprintf("unknown review action %q", action)}
	}

	ts := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contribution{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContributionTx(ctx, tx, contributionID)
	if err != nil {
		return domain.Contribution{}, err
	}
	if err := ensureStatusTransition(c.Status, newStatus); err != nil {
		return domain.Contribution{}, err
	}

	prevStatus, prevStep := c.Status, c.CurrentStep
	c.Status = newStatus
	if action == ActionChanges && e.Config != nil {
		c.CurrentStep = e.Config.Defaults.CurrentStep
	}
	annotations := []domain.Annotation(nil)
	if c.Review != nil {
		annotations = c.Review.Annotations
	}
	c.Review = &domain.Review{
		Status:        reviewStatus,
		UpdatedAt:     ts,
		ReviewerEmail: principal.Email,
		Note:          note,
		Annotations:   annotations,
	}
	c.UpdatedAt = ts
	c.LastSavedAt = ts

	if err := e.Repo.UpdateContributionTx(ctx, tx, c); err != nil {
		return domain.Contribution{}, err
	}
	if c.Status != prevStatus || c.CurrentStep != prevStep {
		change := domain.StatusChange{Status: c.Status, CurrentStep: c.CurrentStep, ChangedAt: ts, ChangedBy: principal.ActorID}
		if err := e.Repo.AppendStatusHistoryTx(ctx, tx, c.ID, change); err != nil {
			return domain.Contribution{}, err
		}
	}
	payload := events.EventPayload{"action": action, "status": c.Status}
	if err := e.Events.Append(ctx, tx, "review."+reviewStatus, "contribution", c.ID, principal.ActorID, payload); err != nil {
		return domain.Contribution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contribution{}, err
	}
	return e.Repo.GetContribution(ctx, c.ID)
}

// Segments renders the highlight view of a contribution's draft.
func (e Engine) Segments(ctx context.Context, contributionID string) ([]domain.Segment, error) {
	c, err := e.Repo.GetContribution(ctx, contributionID)
	if err != nil {
		return nil, err
	}
	var annotations []domain.Annotation
	if c.Review != nil {
		annotations = c.Review.Annotations
	}
	return RenderSegments(c.DraftContent, annotations), nil
}

// RenderSegments splits the draft into highlighted and plain runs. The walk
// is greedy left to right: overlapping annotations highlight the union of
// their ranges, the later annotation's note wins on the overlap, and an
// annotation fully consumed by an earlier one is skipped.
func RenderSegments(draftContent string, annotations []domain.Annotation) []domain.Segment {
	runes := []rune(draftContent)
	n := len(runes)

	valid := make([]domain.Annotation, 0, len(annotations))
	for _, a := range annotations {
		if a.End > a.Start {
			valid = append(valid, a)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Start < valid[j].Start })

	var segs []domain.Segment
	cursor := 0
	for _, a := range valid {
		start, end := a.Start, a.End
		if start < 0 {
			start = 0
		}
		if end > n {
			end = n
		}
		if end <= cursor {
			continue
		}
		if start > cursor {
			segs = append(segs, domain.Segment{Text: string(runes[cursor:start])})
			cursor = start
		}
		if start < cursor {
			start = cursor
		}
		segs = append(segs, domain.Segment{Text: string(runes[start:end]), Highlighted: true, Note: a.Note})
		cursor = end
	}
	if cursor < n {
		segs = append(segs, domain.Segment{Text: string(runes[cursor:])})
	}
	return segs
}

// AgreementDocument renders the durable document for a contribution's
// signed agreement, the same bytes the signer was mailed.
func (e Engine) AgreementDocument(ctx context.Context, contributionID string) ([]byte, error) {
	c, err := e.Repo.GetContribution(ctx, contributionID)
	if err != nil {
		return nil, err
	}
	if c.Agreement == nil {
		return nil, repo.ErrNotFound
	}
	var version config.AgreementVersion
	if e.Config != nil {
		v, ok := e.Config.AgreementText(c.Agreement.Version)
		if !ok {
			return nil, fmt.Errorf("agreement version %s not in catalog", c.Agreement.Version)
		}
		version = v
	}
	signer := agreement.SignerInfo{
		AuthorName:  c.Agreement.AuthorName,
		AuthorEmail: c.Agreement.AuthorEmail,
		FiscalCode:  c.Agreement.FiscalCode,
		Language:    c.Language,
		AcceptedAt:  c.Agreement.AcceptedAt,
		IP:          c.Agreement.IP,
	}
	return e.renderer().Render(version.Title, c.Agreement.Version, version.Text, signer)
}
