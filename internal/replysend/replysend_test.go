package replysend

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/dowhiz/internal/reply"
)

func wantPermanent(t *testing.T, err error) {
	t.Helper()
	var se *reply.SendError
	if !errors.As(err, &se) || se.Class != reply.Permanent {
		t.Fatalf("err = %v, want permanent SendError", err)
	}
}

func TestSlackSenderRequiresChannel(t *testing.T) {
	s := &SlackSender{}
	_, err := s.Send(context.Background(), reply.Payload{Channel: "slack", BodyText: "hi"})
	wantPermanent(t, err)
}

func TestDiscordSenderRequiresChannel(t *testing.T) {
	s := &DiscordSender{}
	_, err := s.Send(context.Background(), reply.Payload{Channel: "discord", BodyText: "hi"})
	wantPermanent(t, err)
}

func TestTelegramSenderRejectsBadChatID(t *testing.T) {
	s := &TelegramSender{}
	_, err := s.Send(context.Background(), reply.Payload{
		Channel:    "telegram",
		BodyText:   "hi",
		ReplyHints: map[string]string{"chat_id": "not-a-number"},
	})
	wantPermanent(t, err)
}

func TestEmailSenderRequiresRecipients(t *testing.T) {
	s := &EmailSender{}
	_, err := s.Send(context.Background(), reply.Payload{Channel: "email", HTMLBody: "<p>hi</p>"})
	wantPermanent(t, err)
}
