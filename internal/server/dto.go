package server

import (
	"redline/internal/domain"
)

// Request payloads

type AgreementRequest struct {
	Version         string  `json:"agreement_version"`
	CheckboxGeneral bool    `json:"checkbox_general"`
	Checkbox1341    bool    `json:"checkbox_1341"`
	AuthorName      string  `json:"author_name"`
	FiscalCode      *string `json:"fiscal_code,omitempty"`
}

type SaveProgressRequest struct {
	ContributionID   *string           `json:"contribution_id,omitempty"`
	Status           *string           `json:"status,omitempty" enum:"pitch,draft,review,changes_requested,approved,rejected,published"`
	CurrentStep      *string           `json:"current_step,omitempty"`
	Path             *string           `json:"path,omitempty"`
	Language         *string           `json:"language,omitempty"`
	Brief            *string           `json:"brief,omitempty"`
	InterviewHistory *string           `json:"interview_history,omitempty"`
	DraftContent     *string           `json:"draft_content,omitempty"`
	Agreement        *AgreementRequest `json:"agreement,omitempty"`
}

type AddAnnotationRequest struct {
	Start int    `json:"start" minimum:"0"`
	End   int    `json:"end"`
	Note  string `json:"note"`
}

type ReviewActionRequest struct {
	Action string  `json:"action" enum:"approve,reject,changes"`
	Note   *string `json:"note,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Email   string `json:"email"`
	Admin   bool   `json:"admin,omitempty"`
}

// Response payloads

type SaveProgressResponse struct {
	ContributionID    string `json:"contribution_id"`
	LastSaved         string `json:"last_saved" format:"date-time"`
	Created           bool   `json:"created"`
	AgreementDecision string `json:"agreement_decision,omitempty"`
}

type ContributionSummary struct {
	ID            string `json:"id"`
	ContributorID string `json:"contributor_id"`
	Status        string `json:"status"`
	CurrentStep   string `json:"current_step"`
	Path          string `json:"path"`
	Language      string `json:"language"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type ListContributionsResponse struct {
	Contributions []ContributionSummary `json:"contributions"`
	NextCursor    string                `json:"next_cursor,omitempty"`
}

type AnnotationsResponse struct {
	Annotations []domain.Annotation `json:"annotations"`
}

type SegmentsResponse struct {
	Segments []domain.Segment `json:"segments"`
}

type ReviewActionResponse struct {
	Status      string         `json:"status"`
	CurrentStep string         `json:"current_step"`
	Review      *domain.Review `json:"review,omitempty"`
}

type SignedAgreementsResponse struct {
	Agreements []domain.SignedAgreement `json:"agreements"`
}

type AgreementVersionInfo struct {
	Version string `json:"version"`
	Title   string `json:"title"`
	Current bool   `json:"current"`
}

type AgreementVersionsResponse struct {
	Versions []AgreementVersionInfo `json:"versions"`
}

type EventsResponse struct {
	Events []domain.Event `json:"events"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Key       string `json:"key,omitempty"`
}

type APIKeysResponse struct {
	Keys []APIKeyResponse `json:"keys"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Email   string `json:"email,omitempty"`
	Admin   bool   `json:"admin"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func toContributionSummary(c domain.Contribution) ContributionSummary {
	return ContributionSummary{
		ID:            c.ID,
		ContributorID: c.ContributorID,
		Status:        c.Status,
		CurrentStep:   c.CurrentStep,
		Path:          c.Path,
		Language:      c.Language,
		UpdatedAt:     c.UpdatedAt,
	}
}

func toAPIKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strOrEmpty(in *string) string {
	if in == nil {
		return ""
	}
	return *in
}
