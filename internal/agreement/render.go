package agreement

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SignerInfo is the metadata stamped into a rendered agreement document.
type SignerInfo struct {
	AuthorName  string
	AuthorEmail string
	FiscalCode  string
	Language    string
	AcceptedAt  string
	IP          string
}

// Renderer produces the durable byte representation of a signed agreement.
// The default implementation renders a canonical plain-text document; a PDF
// renderer satisfies the same interface.
type Renderer interface {
	Render(title, version, text string, signer SignerInfo) ([]byte, error)
}

// TextRenderer renders a deterministic plain-text agreement document.
type TextRenderer struct{}

func (TextRenderer) Render(title, version, text string, signer SignerInfo) ([]byte, error) {
	if strings.TrimSpace(version) == "" {
		return nil, fmt.Errorf("agreement version required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("agreement text required")
	}
	var b strings.Builder
	if strings.TrimSpace(title) != "" {
		b.WriteString(strings.TrimSpace(title))
		b.WriteString("\n")
	}
	b.WriteString("Version: ")
	b.WriteString(strings.TrimSpace(version))
	b.WriteString("\n\n")
	b.WriteString(text)
	b.WriteString("\n")
	b.WriteString("Signed by: ")
	b.WriteString(signer.AuthorName)
	b.WriteString(" <")
	b.WriteString(signer.AuthorEmail)
	b.WriteString(">\n")
	if signer.FiscalCode != "" {
		b.WriteString("Fiscal code: ")
		b.WriteString(signer.FiscalCode)
		b.WriteString("\n")
	}
	if signer.Language != "" {
		b.WriteString("Language: ")
		b.WriteString(signer.Language)
		b.WriteString("\n")
	}
	b.WriteString("Accepted at: ")
	b.WriteString(signer.AcceptedAt)
	b.WriteString("\n")
	if signer.IP != "" {
		b.WriteString("Request IP: ")
		b.WriteString(signer.IP)
		b.WriteString("\n")
	}
	return []byte(NormalizeText(b.String())), nil
}

// NormalizeText canonicalizes line endings and trailing whitespace so the
// rendered document hashes identically regardless of the source platform.
func NormalizeText(in string) string {
	s := strings.ReplaceAll(in, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n") + "\n"
}

// HashDocument returns the SHA-256 hex digest of a rendered document.
func HashDocument(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}
