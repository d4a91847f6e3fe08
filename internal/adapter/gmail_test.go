package adapter

import (
	"encoding/base64"
	"strings"
	"testing"

	gmailapi "google.golang.org/api/gmail/v1"
)

func encPart(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestExtractPlainText_TopLevel(t *testing.T) {
	part := &gmailapi.MessagePart{
		MimeType: "text/plain",
		Body:     &gmailapi.MessagePartBody{Data: encPart("plain body")},
	}
	if got := extractPlainText(part); got != "plain body" {
		t.Errorf("got %q", got)
	}
}

func TestExtractPlainText_NestedMultipart(t *testing.T) {
	// multipart/mixed > multipart/alternative > [text/plain, text/html]
	part := &gmailapi.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmailapi.MessagePart{
			{
				MimeType: "multipart/alternative",
				Parts: []*gmailapi.MessagePart{
					{
						MimeType: "text/plain",
						Body:     &gmailapi.MessagePartBody{Data: encPart("the plain one")},
					},
					{
						MimeType: "text/html",
						Body:     &gmailapi.MessagePartBody{Data: encPart("<b>html</b>")},
					},
				},
			},
			{
				MimeType: "application/pdf",
				Body:     &gmailapi.MessagePartBody{Data: encPart("%PDF")},
			},
		},
	}
	if got := extractPlainText(part); got != "the plain one" {
		t.Errorf("got %q", got)
	}
}

func TestExtractPlainText_HTMLOnly(t *testing.T) {
	part := &gmailapi.MessagePart{
		MimeType: "multipart/alternative",
		Parts: []*gmailapi.MessagePart{
			{
				MimeType: "text/html",
				Body:     &gmailapi.MessagePartBody{Data: encPart("<p>only html</p>")},
			},
		},
	}
	if got := extractPlainText(part); got != "" {
		t.Errorf("expected empty for html-only message, got %q", got)
	}
}

func TestSplitAddress(t *testing.T) {
	cases := []struct {
		in   string
		name string
		addr string
	}{
		{`Ada Lovelace <ada@example.com>`, "Ada Lovelace", "ada@example.com"},
		{`"Quoted Name" <q@example.com>`, "Quoted Name", "q@example.com"},
		{`<bare@example.com>`, "bare@example.com", "bare@example.com"},
		{`plain@example.com`, "plain@example.com", "plain@example.com"},
		{`  spaced@example.com  `, "spaced@example.com", "spaced@example.com"},
	}
	for _, c := range cases {
		name, addr := splitAddress(c.in)
		if name != c.name || addr != c.addr {
			t.Errorf("splitAddress(%q) = (%q, %q), want (%q, %q)", c.in, name, addr, c.name, c.addr)
		}
	}
}

func TestBuildRFC822(t *testing.T) {
	raw := buildRFC822("me@example.com", "you@example.com", "Hi", "body text")

	header, body, ok := strings.Cut(raw, "\r\n\r\n")
	if !ok {
		t.Fatal("no header/body separator")
	}
	if body != "body text" {
		t.Errorf("body = %q", body)
	}
	for _, want := range []string{
		"From: me@example.com",
		"To: you@example.com",
		"Subject: Hi",
		`Content-Type: text/plain; charset="UTF-8"`,
	} {
		if !strings.Contains(header, want) {
			t.Errorf("header missing %q in %q", want, header)
		}
	}

	noFrom := buildRFC822("", "you@example.com", "", "b")
	if strings.Contains(noFrom, "From:") || strings.Contains(noFrom, "Subject:") {
		t.Errorf("optional headers emitted when empty: %q", noFrom)
	}
}
