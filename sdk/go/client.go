package redlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Redline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Agreement is the signature payload attached to a save.
type Agreement struct {
	Version         string `json:"agreement_version"`
	CheckboxGeneral bool   `json:"checkbox_general"`
	Checkbox1341    bool   `json:"checkbox_1341"`
	AuthorName      string `json:"author_name"`
	FiscalCode      string `json:"fiscal_code,omitempty"`
}

// SaveProgress is one autosave or submit request.
type SaveProgress struct {
	ContributionID   string     `json:"contribution_id,omitempty"`
	Status           string     `json:"status,omitempty"`
	CurrentStep      string     `json:"current_step,omitempty"`
	Path             string     `json:"path,omitempty"`
	Language         string     `json:"language,omitempty"`
	Brief            string     `json:"brief,omitempty"`
	InterviewHistory string     `json:"interview_history,omitempty"`
	DraftContent     string     `json:"draft_content,omitempty"`
	Agreement        *Agreement `json:"agreement,omitempty"`
}

// SaveResult reports the outcome of a save.
type SaveResult struct {
	ContributionID    string `json:"contribution_id"`
	LastSaved         string `json:"last_saved"`
	Created           bool   `json:"created"`
	AgreementDecision string `json:"agreement_decision,omitempty"`
}

// Annotation is a reviewer note over a character range.
type Annotation struct {
	ID          string `json:"id"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Note        string `json:"note"`
	AuthorEmail string `json:"author_email"`
	CreatedAt   string `json:"created_at"`
}

// Segment is one run of draft text in the highlight view.
type Segment struct {
	Text        string `json:"text"`
	Highlighted bool   `json:"highlighted"`
	Note        string `json:"note,omitempty"`
}

// ReviewResult is the state after a review decision.
type ReviewResult struct {
	Status      string `json:"status"`
	CurrentStep string `json:"current_step"`
	Review      *struct {
		Status        string       `json:"status"`
		UpdatedAt     string       `json:"updated_at"`
		ReviewerEmail string       `json:"reviewer_email"`
		Note          string       `json:"note,omitempty"`
		Annotations   []Annotation `json:"annotations"`
	} `json:"review,omitempty"`
}

// Contribution is the API contribution model (partial).
type Contribution struct {
	ID               string `json:"id"`
	ContributorID    string `json:"contributor_id"`
	ContributorEmail string `json:"contributor_email"`
	Status           string `json:"status"`
	CurrentStep      string `json:"current_step"`
	Path             string `json:"path"`
	Language         string `json:"language"`
	DraftContent     string `json:"draft_content,omitempty"`
	UpdatedAt        string `json:"updated_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Save persists contribution progress.
func (c *Client) Save(ctx context.Context, in SaveProgress) (SaveResult, error) {
	var resp SaveResult
	err := c.do(ctx, http.MethodPost, "v1/contributions/save", in, &resp)
	return resp, err
}

// GetContribution fetches a contribution by id.
func (c *Client) GetContribution(ctx context.Context, id string) (Contribution, error) {
	var resp struct {
		Contribution Contribution `json:"contribution"`
	}
	endpoint := fmt.Sprintf("v1/contributions/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Contribution, err
}

// Annotate appends a reviewer note and returns the full annotation set.
func (c *Client) Annotate(ctx context.Context, contributionID string, start, end int, note string) ([]Annotation, error) {
	body := map[string]any{
		"start": start,
		"end":   end,
		"note":  note,
	}
	var resp struct {
		Annotations []Annotation `json:"annotations"`
	}
	endpoint := fmt.Sprintf("v1/contributions/%s/annotations", url.PathEscape(contributionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Annotations, err
}

// Segments renders the highlight view of a draft.
func (c *Client) Segments(ctx context.Context, contributionID string) ([]Segment, error) {
	var resp struct {
		Segments []Segment `json:"segments"`
	}
	endpoint := fmt.Sprintf("v1/contributions/%s/segments", url.PathEscape(contributionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Segments, err
}

// Review applies a review decision: approve, reject or changes.
func (c *Client) Review(ctx context.Context, contributionID, action, note string) (ReviewResult, error) {
	body := map[string]any{
		"action": action,
	}
	if note != "" {
		body["note"] = note
	}
	var resp ReviewResult
	endpoint := fmt.Sprintf("v1/contributions/%s/review", url.PathEscape(contributionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AgreementDocument fetches the rendered signed agreement document.
func (c *Client) AgreementDocument(ctx context.Context, contributionID string) ([]byte, error) {
	endpoint := fmt.Sprintf("v1/contributions/%s/agreement/document", url.PathEscape(contributionID))
	return c.raw(ctx, http.MethodGet, endpoint)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) raw(ctx context.Context, method, endpoint string) ([]byte, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
