package domain

type Contribution struct {
	ID               string         `json:"id"`
	ContributorID    string         `json:"contributor_id"`
	ContributorEmail string         `json:"contributor_email"`
	Status           string         `json:"status" enum:"pitch,draft,review,changes_requested,approved,rejected,published"`
	CurrentStep      string         `json:"current_step"`
	Path             string         `json:"path"`
	Language         string         `json:"language"`
	Brief            string         `json:"brief,omitempty"`
	InterviewHistory string         `json:"interview_history,omitempty"`
	DraftContent     string         `json:"draft_content,omitempty"`
	Review           *Review        `json:"review,omitempty"`
	Agreement        *Agreement     `json:"agreement,omitempty"`
	StatusHistory    []StatusChange `json:"status_history,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
	LastSavedAt      string         `json:"last_saved_at" format:"date-time"`
}

type Review struct {
	Status        string       `json:"status" enum:"approved,rejected,changes_requested"`
	UpdatedAt     string       `json:"updated_at" format:"date-time"`
	ReviewerEmail string       `json:"reviewer_email"`
	Note          string       `json:"note,omitempty"`
	Annotations   []Annotation `json:"annotations"`
}

// Annotation marks a character range of the draft text. Offsets are rune
// indexes into DraftContent as it was when the annotation was created; a
// later draft edit may leave them pointing at different text.
type Annotation struct {
	ID          string `json:"id"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Note        string `json:"note"`
	AuthorEmail string `json:"author_email"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Agreement is the latest signed agreement attached to a contribution.
// IP and UserAgent are captured server-side at signature time. HashSHA256
// and ViewURL are filled in once the signed document has been rendered.
type Agreement struct {
	Version         string `json:"agreement_version"`
	CheckboxGeneral bool   `json:"checkbox_general"`
	Checkbox1341    bool   `json:"checkbox_1341"`
	AcceptedAt      string `json:"accepted_at" format:"date-time"`
	AuthorName      string `json:"author_name"`
	AuthorEmail     string `json:"author_email"`
	FiscalCode      string `json:"fiscal_code,omitempty"`
	IP              string `json:"ip,omitempty"`
	UserAgent       string `json:"user_agent,omitempty"`
	HashSHA256      string `json:"agreement_hash_sha256,omitempty"`
	ViewURL         string `json:"agreement_view_url,omitempty"`
}

// SignedAgreement is one row of the append-only signature ledger, the source
// of truth for which agreement versions a contributor has signed.
type SignedAgreement struct {
	ID            string `json:"id"`
	ContributorID string `json:"contributor_id"`
	Version       string `json:"version"`
	AcceptedAt    string `json:"accepted_at" format:"date-time"`
	AuthorName    string `json:"author_name"`
	AuthorEmail   string `json:"author_email"`
	IP            string `json:"ip,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	HashSHA256    string `json:"hash_sha256,omitempty"`
}

type StatusChange struct {
	Status      string `json:"status"`
	CurrentStep string `json:"current_step"`
	ChangedAt   string `json:"changed_at" format:"date-time"`
	ChangedBy   string `json:"changed_by"`
}

// Segment is one run of draft text in the rendered highlight view.
type Segment struct {
	Text        string `json:"text"`
	Highlighted bool   `json:"highlighted"`
	Note        string `json:"note,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// SignatureJob is a queued audit-trail enrichment for a signed agreement.
type SignatureJob struct {
	ID             string `json:"id"`
	ContributionID string `json:"contribution_id"`
	ContributorID  string `json:"contributor_id"`
	Version        string `json:"version"`
	Status         string `json:"status" enum:"pending,sent,failed"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"last_error,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}
