package outbox

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"redline/internal/agreement"
	"redline/internal/domain"
	"redline/internal/engine"
	"redline/internal/mail"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 20
)

// Dispatcher drains pending signature jobs: it renders the signed agreement
// document, hashes it, mails it to the contributor and patches the stored
// agreement with the hash and view URL. Failures leave the job pending for
// the next tick; the signature itself was committed before the job existed.
type Dispatcher struct {
	Engine   engine.Engine
	Sender   mail.Sender
	BaseURL  string
	Interval time.Duration
	Batch    int
}

// Start launches the dispatcher loop in the background.
func Start(e engine.Engine, sender mail.Sender, baseURL string) *Dispatcher {
	d := &Dispatcher{Engine: e, Sender: sender, BaseURL: baseURL}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchPending(context.Background())
		<-ticker.C
	}
}

// DispatchPending processes one batch of pending jobs.
func (d *Dispatcher) DispatchPending(ctx context.Context) {
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	jobs, err := d.Engine.Repo.PendingSignatureJobs(ctx, batch)
	if err != nil {
		log.Printf("outbox: fetch jobs failed: %v", err)
		return
	}
	for _, job := range jobs {
		if err := d.process(ctx, job); err != nil {
			log.Printf("outbox: job %s failed: %v", job.ID, err)
			if markErr := d.Engine.Repo.MarkSignatureJobFailed(ctx, job.ID, err.Error(), d.timestamp()); markErr != nil {
				log.Printf("outbox: mark job %s failed: %v", job.ID, markErr)
			}
			continue
		}
		if err := d.Engine.Repo.MarkSignatureJobSent(ctx, job.ID, d.timestamp()); err != nil {
			log.Printf("outbox: mark job %s sent: %v", job.ID, err)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, job domain.SignatureJob) error {
	c, err := d.Engine.Repo.GetContribution(ctx, job.ContributionID)
	if err != nil {
		return fmt.Errorf("load contribution: %w", err)
	}
	if c.Agreement == nil {
		return fmt.Errorf("contribution %s has no agreement", c.ID)
	}
	doc, err := d.Engine.AgreementDocument(ctx, job.ContributionID)
	if err != nil {
		return fmt.Errorf("render document: %w", err)
	}
	hash := agreement.HashDocument(doc)
	viewURL := d.viewURL(job.ContributionID)

	msg := mail.Message{
		To:          c.ContributorEmail,
		Subject:     fmt.Sprintf("Your signed agreement (version %s)", job.Version),
		Body:        fmt.Sprintf("Attached is the agreement version %s you signed. Document SHA-256: %s", job.Version, hash),
		Attachment:  mail.EncodeAttachment(doc),
		DocumentSHA: hash,
	}
	if d.Sender != nil {
		if err := d.Sender.Send(ctx, msg); err != nil {
			return fmt.Errorf("send mail: %w", err)
		}
	}

	ts := d.timestamp()
	if err := d.Engine.Repo.PatchAgreementEnrichment(ctx, job.ContributionID, hash, viewURL, ts); err != nil {
		return fmt.Errorf("patch agreement: %w", err)
	}
	if err := d.Engine.Repo.SetSignedAgreementHash(ctx, job.ContributorID, job.Version, hash); err != nil {
		return fmt.Errorf("patch ledger: %w", err)
	}
	return nil
}

func (d *Dispatcher) viewURL(contributionID string) string {
	base := strings.TrimRight(d.BaseURL, "/")
	return fmt.Sprintf("%s/contributions/%s/agreement/document", base, contributionID)
}

func (d *Dispatcher) timestamp() string {
	now := time.Now
	if d.Engine.Now != nil {
		now = d.Engine.Now
	}
	return now().UTC().Format(time.RFC3339)
}
