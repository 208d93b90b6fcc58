package ingest

import (
	"net/http"
	"testing"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

func TestNormalizeEmail(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Alice+foo@Example.COM", "alice@example.com"},
		{"alice@example.com", "alice@example.com"},
		{"  Bob@Example.com  ", "bob@example.com"},
		{`"Alice A" <alice+tag@example.com>`, "alice@example.com"},
		{"no-at-sign", "no-at-sign"},
	}
	for _, c := range cases {
		if got := NormalizeEmail(c.in); got != c.want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestIsNoReply(t *testing.T) {
	for _, addr := range []string{"no-reply@example.com", "noreply@example.com", "no_reply@example.com", "noreply-123@example.com"} {
		if !IsNoReply(NormalizeEmail(addr)) {
			t.Errorf("IsNoReply(%q) = false, want true", addr)
		}
	}
	if IsNoReply("bob@example.com") {
		t.Errorf("IsNoReply(bob@example.com) = true, want false")
	}
}

func TestEmailParserHappyPath(t *testing.T) {
	p := &EmailParser{}
	raw := []byte(`{
		"From": "\"Alice\" <alice@example.com>",
		"To": "oliver@dowhiz.com",
		"Subject": "Hello",
		"TextBody": "hi",
		"MessageID": "msg-123",
		"Headers": [{"Name": "References", "Value": "<root@example.com>"}]
	}`)

	msg, err := p.Parse(raw, http.Header{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Channel != envelope.ChannelEmail {
		t.Errorf("Channel = %q", msg.Channel)
	}
	if msg.ServiceAddress != "oliver@dowhiz.com" {
		t.Errorf("ServiceAddress = %q", msg.ServiceAddress)
	}
	if msg.Sender.Value != "alice@example.com" {
		t.Errorf("Sender = %q", msg.Sender.Value)
	}
	if msg.ThreadKey != "<root@example.com>" {
		t.Errorf("ThreadKey = %q, want References header value", msg.ThreadKey)
	}
	if msg.ExternalMessageID != "msg-123" {
		t.Errorf("ExternalMessageID = %q", msg.ExternalMessageID)
	}
	if msg.ReplyHints.InReplyTo != "msg-123" {
		t.Errorf("ReplyHints.InReplyTo = %q", msg.ReplyHints.InReplyTo)
	}
	if len(msg.ReplyHints.To) != 1 || msg.ReplyHints.To[0] != "alice@example.com" {
		t.Errorf("ReplyHints.To = %v", msg.ReplyHints.To)
	}
}

// The reply recipient list must drop no-reply senders so a RunTask never
// drafts a reply addressed to a mailbox that bounces it.
func TestEmailParserFiltersNoReply(t *testing.T) {
	p := &EmailParser{}
	raw := []byte(`{
		"From": "no-reply@example.com, bob@example.com",
		"To": "oliver@dowhiz.com",
		"TextBody": "hi",
		"MessageID": "msg-456"
	}`)

	msg, err := p.Parse(raw, http.Header{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(msg.ReplyHints.To) != 1 || msg.ReplyHints.To[0] != "bob@example.com" {
		t.Errorf("ReplyHints.To = %v, want [bob@example.com]", msg.ReplyHints.To)
	}
}

func TestEmailParserTokenMismatch(t *testing.T) {
	p := &EmailParser{WebhookToken: "secret"}
	h := http.Header{}
	h.Set("X-Postmark-Token", "wrong")
	_, err := p.Parse([]byte(`{}`), h)
	pe, ok := err.(*ParseError)
	if !ok || pe.Kind != ErrSignatureMismatch {
		t.Fatalf("err = %v, want signature_mismatch", err)
	}
}

func TestEmailParserMissingFields(t *testing.T) {
	p := &EmailParser{}
	for name, raw := range map[string]string{
		"no From":      `{"To": "o@x.com", "MessageID": "m"}`,
		"no To":        `{"From": "a@x.com", "MessageID": "m"}`,
		"no MessageID": `{"From": "a@x.com", "To": "o@x.com"}`,
	} {
		_, err := p.Parse([]byte(raw), http.Header{})
		pe, ok := err.(*ParseError)
		if !ok || pe.Kind != ErrMissingRequiredField {
			t.Errorf("%s: err = %v, want missing_required_field", name, err)
		}
	}
}
