package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"redline/internal/agreement"
	"redline/internal/config"
	"redline/internal/db"
	"redline/internal/engine"
	"redline/internal/engine/auth"
	"redline/internal/migrate"
	"redline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

var (
	writer = auth.Principal{ActorID: "writer-1", Email: "writer@example.com"}
	editor = auth.Principal{ActorID: "editor-1", Email: "editor@example.com", Admin: true}
)

func mustSave(t *testing.T, env testEnv, p auth.Principal, in engine.SaveProgressInput) engine.SaveProgressResult {
	t.Helper()
	res, err := env.Engine.SaveProgress(env.Ctx, p, in)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	return res
}

func TestSaveProgressCreatesWithDefaults(t *testing.T) {
	env := newTestEnv(t)
	res := mustSave(t, env, writer, engine.SaveProgressInput{Brief: "a story"})
	if !res.Created || res.ContributionID == "" {
		t.Fatalf("expected a fresh contribution, got %+v", res)
	}
	c, err := env.Engine.Repo.GetContribution(env.Ctx, res.ContributionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != engine.StatusPitch {
		t.Fatalf("new contribution status = %s, want pitch", c.Status)
	}
	if c.CurrentStep != "editing" || c.Path != "general" || c.Language != "en" {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if c.ContributorID != writer.ActorID || c.ContributorEmail != writer.Email {
		t.Fatalf("owner not stamped: %+v", c)
	}
	if len(c.StatusHistory) != 1 || c.StatusHistory[0].Status != engine.StatusPitch {
		t.Fatalf("expected one initial history entry, got %+v", c.StatusHistory)
	}
}

func TestSaveProgressUnknownIDCreatesNew(t *testing.T) {
	env := newTestEnv(t)
	res := mustSave(t, env, writer, engine.SaveProgressInput{
		ContributionID: "gone-from-a-stale-tab",
		DraftContent:   "draft",
	})
	if !res.Created {
		t.Fatalf("expected fallback creation")
	}
	if res.ContributionID == "gone-from-a-stale-tab" {
		t.Fatalf("expected a fresh id, got the stale one back")
	}
	c, err := env.Engine.Repo.GetContribution(env.Ctx, res.ContributionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.DraftContent != "draft" {
		t.Fatalf("draft not persisted on fallback: %+v", c)
	}
}

func TestSaveProgressOwnership(t *testing.T) {
	env := newTestEnv(t)
	res := mustSave(t, env, writer, engine.SaveProgressInput{DraftContent: "mine"})

	other := auth.Principal{ActorID: "writer-2", Email: "other@example.com"}
	_, err := env.Engine.SaveProgress(env.Ctx, other, engine.SaveProgressInput{
		ContributionID: res.ContributionID,
		DraftContent:   "stolen",
	})
	var notOwner auth.NotOwnerError
	if !errors.As(err, &notOwner) {
		t.Fatalf("expected NotOwnerError, got %v", err)
	}
	c, err := env.Engine.Repo.GetContribution(env.Ctx, res.ContributionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.DraftContent != "mine" {
		t.Fatalf("record changed by rejected save: %q", c.DraftContent)
	}

	// admins may touch any contribution
	if _, err := env.Engine.SaveProgress(env.Ctx, editor, engine.SaveProgressInput{
		ContributionID: res.ContributionID,
		Brief:          "edited",
	}); err != nil {
		t.Fatalf("admin save: %v", err)
	}
}

func TestSaveProgressStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	res := mustSave(t, env, writer, engine.SaveProgressInput{})
	id := res.ContributionID

	mustSave(t, env, writer, engine.SaveProgressInput{ContributionID: id, Status: engine.StatusDraft})
	mustSave(t, env, writer, engine.SaveProgressInput{ContributionID: id, Status: engine.StatusReview})

	// review -> draft is not a legal move
	_, err := env.Engine.SaveProgress(env.Ctx, writer, engine.SaveProgressInput{ContributionID: id, Status: engine.StatusDraft})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected transition error, got %v", err)
	}

	// same status is a no-op, not an error
	mustSave(t, env, writer, engine.SaveProgressInput{ContributionID: id, Status: engine.StatusReview})

	history, err := env.Engine.Repo.ListStatusHistory(env.Ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected pitch, draft, review in history, got %+v", history)
	}
}

func TestReviewActionIdempotent(t *testing.T) {
	env := newTestEnv(t)
	res := mustSave(t, env, writer, engine.SaveProgressInput{DraftContent: "ready"})
	id := res.ContributionID
	mustSave(t, env, writer, engine.SaveProgressInput{ContributionID: id, Status: engine.StatusDraft})
	mustSave(t, env, writer, engine.SaveProgressInput{ContributionID: id, Status: engine.StatusReview})

	before, err := env.Engine.Repo.ListStatusHistory(env.Ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}

	c, err := env.Engine.ApplyReviewAction(env.Ctx, editor, id, engine.ActionApprove, "ship it")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if c.Status != engine.StatusApproved {
		t.Fatalf("status = %s, want approved", c.Status)
	}
	if c.Review == nil || c.Review.Status != engine.StatusApproved || c.Review.ReviewerEmail != editor.Email {
		t.Fatalf("review state not recorded: %+v", c.Review)
	}

	again, err := env.Engine.ApplyReviewAction(env.Ctx, editor, id, engine.ActionApprove, "still good")
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if again.Status != engine.StatusApproved {
		t.Fatalf("second approve changed status to %s", again.Status)
	}

	after, err := env.Engine.Repo.ListStatusHistory(env.Ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("expected exactly one history entry from two approves, got %d then %d", len(before), len(after))
	}
}

func TestReviewActionChangesResetsStep(t *testing.T) {
	env := newTestEnv(t)
	res := mustSave(t, env, writer, engine.SaveProgressInput{DraftContent: "v1"})
	id := res.ContributionID
	mustSave(t, env, writer, engine.SaveProgressInput{ContributionID: id, Status: engine.StatusDraft})
	mustSave(t, env, writer, engine.SaveProgressInput{ContributionID: id, Status: engine.StatusReview, CurrentStep: "proofread"})

	c, err := env.Engine.ApplyReviewAction(env.Ctx, editor, id, engine.ActionChanges, "needs sources")
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if c.Status != engine.StatusChangesRequested {
		t.Fatalf("status = %s, want changes_requested", c.Status)
	}
	if c.CurrentStep != "editing" {
		t.Fatalf("step = %s, want the configured default", c.CurrentStep)
	}

	// the contributor may now go back to draft
	mustSave(t, env, writer, engine.SaveProgressInput{ContributionID: id, Status: engine.StatusDraft, DraftContent: "v2"})
}

func TestReviewActionRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	res := mustSave(t, env, writer, engine.SaveProgressInput{})
	_, err := env.Engine.ApplyReviewAction(env.Ctx, writer, res.ContributionID, engine.ActionApprove, "")
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestAddAnnotationValidation(t *testing.T) {
	env := newTestEnv(t)
	res := mustSave(t, env, writer, engine.SaveProgressInput{DraftContent: "hello world"})
	id := res.ContributionID

	if _, err := env.Engine.AddAnnotation(env.Ctx, writer, id, 0, 5, "note"); err == nil {
		t.Fatalf("expected forbidden for non-admin")
	}
	cases := []struct {
		name       string
		start, end int
		note       string
	}{
		{"blank note", 0, 5, "   "},
		{"end before start", 5, 5, "note"},
		{"negative start", -1, 5, "note"},
		{"past end of draft", 0, 50, "note"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.AddAnnotation(env.Ctx, editor, id, tc.start, tc.end, tc.note)
			var verr engine.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if _, err := env.Engine.AddAnnotation(env.Ctx, editor, "no-such-id", 0, 5, "note"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAnnotationOffsetsAreRunes(t *testing.T) {
	env := newTestEnv(t)
	res := mustSave(t, env, writer, engine.SaveProgressInput{DraftContent: "héllo wörld"})
	id := res.ContributionID

	// 11 runes, more bytes; a byte-indexed bound check would reject nothing here
	if _, err := env.Engine.AddAnnotation(env.Ctx, editor, id, 0, 11, "whole draft"); err != nil {
		t.Fatalf("annotate full rune range: %v", err)
	}
	if _, err := env.Engine.AddAnnotation(env.Ctx, editor, id, 0, 12, "past the end"); err == nil {
		t.Fatalf("expected out-of-range error past rune length")
	}
	segs, err := env.Engine.Segments(env.Ctx, id)
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if len(segs) != 1 || !segs[0].Highlighted || segs[0].Text != "héllo wörld" {
		t.Fatalf("unexpected segmentation: %+v", segs)
	}
}

func TestSegmentsOverlap(t *testing.T) {
	env := newTestEnv(t)
	res := mustSave(t, env, writer, engine.SaveProgressInput{DraftContent: "hello world"})
	id := res.ContributionID

	if _, err := env.Engine.AddAnnotation(env.Ctx, editor, id, 0, 5, "tighten"); err != nil {
		t.Fatalf("annotate: %v", err)
	}
	if _, err := env.Engine.AddAnnotation(env.Ctx, editor, id, 3, 8, "cite"); err != nil {
		t.Fatalf("annotate: %v", err)
	}

	segs, err := env.Engine.Segments(env.Ctx, id)
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	var rebuilt string
	highlighted := 0
	for _, s := range segs {
		rebuilt += s.Text
		if s.Highlighted {
			highlighted += len([]rune(s.Text))
		}
	}
	if rebuilt != "hello world" {
		t.Fatalf("segments do not round-trip the draft: %q", rebuilt)
	}
	// the union [0,8) is highlighted, "rld" stays plain
	if highlighted != 8 {
		t.Fatalf("highlighted %d runes, want 8: %+v", highlighted, segs)
	}
	last := segs[len(segs)-1]
	if last.Highlighted || last.Text != "rld" {
		t.Fatalf("expected plain trailing segment, got %+v", last)
	}
}

func TestSignAgreement(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.SaveProgress(env.Ctx, writer, engine.SaveProgressInput{
		DraftContent: "draft",
		Agreement: &engine.AgreementSubmission{
			Version:         "1.1",
			CheckboxGeneral: true,
			Checkbox1341:    true,
			AuthorName:      "Ada Lovelace",
			FiscalCode:      "LVLDAA15D57Z404X",
		},
		RemoteIP:  "203.0.113.7",
		UserAgent: "test-agent",
	})
	if err != nil {
		t.Fatalf("save with agreement: %v", err)
	}
	if res.AgreementDecision != agreement.DecisionAllowNew {
		t.Fatalf("decision = %s, want allow", res.AgreementDecision)
	}

	c, err := env.Engine.Repo.GetContribution(env.Ctx, res.ContributionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Agreement == nil {
		t.Fatalf("agreement not stored")
	}
	if c.Agreement.Version != "1.1" || c.Agreement.AuthorName != "Ada Lovelace" {
		t.Fatalf("agreement fields: %+v", c.Agreement)
	}
	if c.Agreement.AuthorEmail != writer.Email {
		t.Fatalf("author email must come from the owner, got %q", c.Agreement.AuthorEmail)
	}
	if c.Agreement.IP != "203.0.113.7" || c.Agreement.UserAgent != "test-agent" {
		t.Fatalf("request metadata not stamped: %+v", c.Agreement)
	}
	if c.Agreement.HashSHA256 != "" || c.Agreement.ViewURL != "" {
		t.Fatalf("enrichment should be empty before dispatch: %+v", c.Agreement)
	}

	ledger, err := env.Engine.Repo.ListSignedAgreements(env.Ctx, writer.ActorID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(ledger) != 1 || ledger[0].Version != "1.1" {
		t.Fatalf("ledger: %+v", ledger)
	}
	jobs, err := env.Engine.Repo.PendingSignatureJobs(env.Ctx, 10)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ContributionID != res.ContributionID {
		t.Fatalf("expected one queued signature job, got %+v", jobs)
	}
}

func TestSignAgreementDuplicateVersion(t *testing.T) {
	env := newTestEnv(t)
	sign := engine.SaveProgressInput{
		Agreement: &engine.AgreementSubmission{
			Version:         "1.1",
			CheckboxGeneral: true,
			Checkbox1341:    true,
			AuthorName:      "Ada Lovelace",
		},
	}
	res := mustSave(t, env, writer, sign)

	// simulate enrichment landing before the duplicate arrives
	if err := env.Engine.Repo.PatchAgreementEnrichment(env.Ctx, res.ContributionID, "abc123", "http://x/doc", "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("patch: %v", err)
	}

	dup := sign
	dup.ContributionID = res.ContributionID
	dup.Agreement = &engine.AgreementSubmission{
		Version:         "1.1",
		CheckboxGeneral: true,
		Checkbox1341:    true,
		AuthorName:      "Somebody Else",
	}
	res2, err := env.Engine.SaveProgress(env.Ctx, writer, dup)
	if err != nil {
		t.Fatalf("duplicate save: %v", err)
	}
	if res2.AgreementDecision != agreement.DecisionAlreadySigned {
		t.Fatalf("decision = %s, want already signed", res2.AgreementDecision)
	}
	c, err := env.Engine.Repo.GetContribution(env.Ctx, res.ContributionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Agreement.AuthorName != "Ada Lovelace" || c.Agreement.HashSHA256 != "abc123" {
		t.Fatalf("stored signature was overwritten: %+v", c.Agreement)
	}
	ledger, err := env.Engine.Repo.ListSignedAgreements(env.Ctx, writer.ActorID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(ledger) != 1 {
		t.Fatalf("duplicate added a ledger row: %+v", ledger)
	}
}

func TestSignAgreementRejectsBadPayloads(t *testing.T) {
	env := newTestEnv(t)
	res := mustSave(t, env, writer, engine.SaveProgressInput{DraftContent: "keep me"})

	cases := []struct {
		name string
		sub  engine.AgreementSubmission
	}{
		{"blank version", engine.AgreementSubmission{CheckboxGeneral: true, Checkbox1341: true, AuthorName: "Ada"}},
		{"missing checkbox", engine.AgreementSubmission{Version: "1.1", CheckboxGeneral: true, AuthorName: "Ada"}},
		{"missing author name", engine.AgreementSubmission{Version: "1.1", CheckboxGeneral: true, Checkbox1341: true}},
		{"unknown version", engine.AgreementSubmission{Version: "9.9", CheckboxGeneral: true, Checkbox1341: true, AuthorName: "Ada"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := tc.sub
			_, err := env.Engine.SaveProgress(env.Ctx, writer, engine.SaveProgressInput{
				ContributionID: res.ContributionID,
				DraftContent:   "should not land",
				Agreement:      &sub,
			})
			var verr engine.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	c, err := env.Engine.Repo.GetContribution(env.Ctx, res.ContributionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.DraftContent != "keep me" || c.Agreement != nil {
		t.Fatalf("rejected signature mutated the record: %+v", c)
	}
}

func TestSignAgreementVersionCap(t *testing.T) {
	env := newTestEnv(t)
	sign := func(version string) (engine.SaveProgressResult, error) {
		return env.Engine.SaveProgress(env.Ctx, writer, engine.SaveProgressInput{
			Agreement: &engine.AgreementSubmission{
				Version:         version,
				CheckboxGeneral: true,
				Checkbox1341:    true,
				AuthorName:      "Ada Lovelace",
			},
		})
	}
	if _, err := sign("1.0"); err != nil {
		t.Fatalf("first version: %v", err)
	}
	if _, err := sign("1.1"); err != nil {
		t.Fatalf("second version: %v", err)
	}
	_, err := sign("1.2")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict on third distinct version, got %v", err)
	}
}

func TestAgreementDocument(t *testing.T) {
	env := newTestEnv(t)
	res := mustSave(t, env, writer, engine.SaveProgressInput{
		Agreement: &engine.AgreementSubmission{
			Version:         "1.1",
			CheckboxGeneral: true,
			Checkbox1341:    true,
			AuthorName:      "Ada Lovelace",
		},
	})
	doc, err := env.Engine.AgreementDocument(env.Ctx, res.ContributionID)
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if len(doc) == 0 {
		t.Fatalf("empty document")
	}
	again, err := env.Engine.AgreementDocument(env.Ctx, res.ContributionID)
	if err != nil {
		t.Fatalf("document again: %v", err)
	}
	if agreement.HashDocument(doc) != agreement.HashDocument(again) {
		t.Fatalf("document is not stable across renders")
	}

	unsigned := mustSave(t, env, writer, engine.SaveProgressInput{DraftContent: "no signature"})
	if _, err := env.Engine.AgreementDocument(env.Ctx, unsigned.ContributionID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unsigned contribution, got %v", err)
	}
}
