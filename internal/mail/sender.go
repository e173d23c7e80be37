package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultSendTimeout = 5 * time.Second

// Message is one outbound agreement mail with its rendered document attached.
type Message struct {
	To          string `json:"to"`
	From        string `json:"from,omitempty"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	Attachment  string `json:"attachment_base64,omitempty"`
	DocumentSHA string `json:"document_sha256,omitempty"`
}

// Sender delivers a message. Delivery is best effort; callers treat a
// returned error as retryable, never as a reason to unwind committed state.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// HTTPSender posts messages as JSON to a mail relay endpoint.
type HTTPSender struct {
	Endpoint string
	Secret   string
	Client   *http.Client
}

func (s HTTPSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return fmt.Errorf("mail endpoint not configured")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.Secret) != "" {
		req.Header.Set("X-Redline-Secret", s.Secret)
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultSendTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// EncodeAttachment prepares document bytes for the relay payload.
func EncodeAttachment(doc []byte) string {
	return base64.StdEncoding.EncodeToString(doc)
}
