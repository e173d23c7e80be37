package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"redline/internal/config"
	"redline/internal/db"
	"redline/internal/engine"
	"redline/internal/engine/auth"
	"redline/internal/mail"
	"redline/internal/migrate"
	"redline/internal/outbox"
)

type fakeSender struct {
	sent []mail.Message
	fail error
}

func (f *fakeSender) Send(ctx context.Context, msg mail.Message) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, msg)
	return nil
}

func newTestEngine(t *testing.T) engine.Engine {
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
	return eng
}

func signContribution(t *testing.T, eng engine.Engine) string {
	t.Helper()
	writer := auth.Principal{ActorID: "writer-1", Email: "writer@example.com"}
	res, err := eng.SaveProgress(context.Background(), writer, engine.SaveProgressInput{
		DraftContent: "draft",
		Agreement: &engine.AgreementSubmission{
			Version:         "1.1",
			CheckboxGeneral: true,
			Checkbox1341:    true,
			AuthorName:      "Ada Lovelace",
		},
		RemoteIP: "203.0.113.7",
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return res.ContributionID
}

func TestDispatchPendingEnrichesAgreement(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	id := signContribution(t, eng)

	sender := &fakeSender{}
	d := &outbox.Dispatcher{Engine: eng, Sender: sender, BaseURL: "http://localhost:8080"}
	d.DispatchPending(ctx)

	c, err := eng.Repo.GetContribution(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Agreement.HashSHA256 == "" {
		t.Fatalf("agreement hash not patched")
	}
	wantURL := "http://localhost:8080/contributions/" + id + "/agreement/document"
	if c.Agreement.ViewURL != wantURL {
		t.Fatalf("view url = %q, want %q", c.Agreement.ViewURL, wantURL)
	}

	ledger, err := eng.Repo.ListSignedAgreements(ctx, "writer-1")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(ledger) != 1 || ledger[0].HashSHA256 != c.Agreement.HashSHA256 {
		t.Fatalf("ledger hash not set: %+v", ledger)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.To != "writer@example.com" || msg.DocumentSHA != c.Agreement.HashSHA256 {
		t.Fatalf("mail: %+v", msg)
	}
	if msg.Attachment == "" {
		t.Fatalf("mail missing document attachment")
	}

	jobs, err := eng.Repo.PendingSignatureJobs(ctx, 10)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("job not marked sent: %+v", jobs)
	}

	// nothing left to do, the mailbox stays quiet
	d.DispatchPending(ctx)
	if len(sender.sent) != 1 {
		t.Fatalf("sent job dispatched twice")
	}
}

func TestDispatchPendingKeepsFailedJobs(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	id := signContribution(t, eng)

	sender := &fakeSender{fail: errors.New("smtp relay down")}
	d := &outbox.Dispatcher{Engine: eng, Sender: sender, BaseURL: "http://localhost:8080"}
	d.DispatchPending(ctx)

	c, err := eng.Repo.GetContribution(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Agreement == nil || c.Agreement.HashSHA256 != "" {
		t.Fatalf("failed delivery must not enrich the agreement: %+v", c.Agreement)
	}

	jobs, err := eng.Repo.PendingSignatureJobs(ctx, 10)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Attempts != 1 || jobs[0].LastError == "" {
		t.Fatalf("job should stay pending with an attempt recorded: %+v", jobs)
	}

	// recovery on a later tick
	sender.fail = nil
	d.DispatchPending(ctx)
	c, err = eng.Repo.GetContribution(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Agreement.HashSHA256 == "" {
		t.Fatalf("retry did not enrich the agreement")
	}
}
