package reply

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestHTMLToTextStripsMarkup(t *testing.T) {
	got := HTMLToText("<p>Hello <b>world</b></p><p>Second paragraph</p>")
	if !strings.Contains(got, "Hello world") {
		t.Fatalf("expected visible text preserved, got %q", got)
	}
	if !strings.Contains(got, "Second paragraph") {
		t.Fatalf("expected second paragraph preserved, got %q", got)
	}
	if strings.Contains(got, "<p>") || strings.Contains(got, "<b>") {
		t.Fatalf("expected markup stripped, got %q", got)
	}
}

func TestHTMLToTextDropsScriptAndStyle(t *testing.T) {
	got := HTMLToText("<style>.x{color:red}</style><p>Visible</p><script>alert(1)</script>")
	if strings.Contains(got, "color:red") || strings.Contains(got, "alert") {
		t.Fatalf("expected script/style content dropped, got %q", got)
	}
	if !strings.Contains(got, "Visible") {
		t.Fatalf("expected visible text preserved, got %q", got)
	}
}

type fakeSender struct {
	received Payload
	receipt  SendReceipt
	err      error
}

func (f *fakeSender) Send(_ context.Context, p Payload) (SendReceipt, error) {
	f.received = p
	return f.receipt, f.err
}

func TestSendConvertsHTMLToTextForChatChannels(t *testing.T) {
	slack := &fakeSender{receipt: SendReceipt{ProviderMessageID: "m1", SentAt: time.Now()}}
	d := NewDispatcher(map[string]Sender{"slack": slack}, nil)

	_, err := d.Send(context.Background(), Payload{Channel: "slack", HTMLBody: "<p>Hi there</p>"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(slack.received.BodyText, "Hi there") {
		t.Fatalf("expected BodyText populated from HTML, got %q", slack.received.BodyText)
	}
}

func TestSendArchivesSuccessfulEmail(t *testing.T) {
	email := &fakeSender{receipt: SendReceipt{ProviderMessageID: "m2", SentAt: time.Now()}}
	archived := false
	d := NewDispatcher(map[string]Sender{"email": email}, func(_ context.Context, _ Payload, _ SendReceipt) error {
		archived = true
		return nil
	})

	_, err := d.Send(context.Background(), Payload{Channel: "email", HTMLBody: "<p>hi</p>"})
	if err != nil {
		t.Fatal(err)
	}
	if !archived {
		t.Fatalf("expected successful email send to be archived")
	}
}

func TestSendUnknownChannelIsPermanentError(t *testing.T) {
	d := NewDispatcher(map[string]Sender{}, nil)
	_, err := d.Send(context.Background(), Payload{Channel: "fax"})
	if err == nil {
		t.Fatal("expected error for unregistered channel")
	}
	se, ok := err.(*SendError)
	if !ok || se.Class != Permanent {
		t.Fatalf("expected Permanent SendError, got %v", err)
	}
}
