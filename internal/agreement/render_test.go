package agreement_test

import (
	"strings"
	"testing"

	"redline/internal/agreement"
)

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"a\r\nb\r\n", "a\nb\n"},
		{"a\rb", "a\nb\n"},
		{"a  \nb\t\n", "a\nb\n"},
		{"a\n\n\n", "a\n"},
		{"a", "a\n"},
	}
	for _, tc := range cases {
		if got := agreement.NormalizeText(tc.in); got != tc.want {
			t.Fatalf("NormalizeText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTextRendererDeterministic(t *testing.T) {
	signer := agreement.SignerInfo{
		AuthorName:  "Ada Lovelace",
		AuthorEmail: "ada@example.com",
		FiscalCode:  "LVLDAA15D57Z404X",
		Language:    "en",
		AcceptedAt:  "2024-01-01T00:00:00Z",
		IP:          "203.0.113.7",
	}
	first, err := agreement.TextRenderer{}.Render("Contributor Agreement", "1.1", "Terms apply.\r\n", signer)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	second, err := agreement.TextRenderer{}.Render("Contributor Agreement", "1.1", "Terms apply.\r\n", signer)
	if err != nil {
		t.Fatalf("render again: %v", err)
	}
	if agreement.HashDocument(first) != agreement.HashDocument(second) {
		t.Fatalf("same inputs produced different documents")
	}
	doc := string(first)
	for _, want := range []string{
		"Contributor Agreement",
		"Version: 1.1",
		"Signed by: Ada Lovelace <ada@example.com>",
		"Fiscal code: LVLDAA15D57Z404X",
		"Accepted at: 2024-01-01T00:00:00Z",
		"Request IP: 203.0.113.7",
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("document missing %q:\n%s", want, doc)
		}
	}
	if strings.Contains(doc, "\r") {
		t.Fatalf("document contains carriage returns")
	}
}

func TestTextRendererRejectsBlankInputs(t *testing.T) {
	if _, err := (agreement.TextRenderer{}).Render("T", "", "text", agreement.SignerInfo{}); err == nil {
		t.Fatalf("expected error for blank version")
	}
	if _, err := (agreement.TextRenderer{}).Render("T", "1.0", "  ", agreement.SignerInfo{}); err == nil {
		t.Fatalf("expected error for blank text")
	}
}
