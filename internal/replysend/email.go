package replysend

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/nextlevelbuilder/dowhiz/internal/reply"
)

// EmailSender implements reply.Sender for the "email" channel via
// SendGrid's v3 Mail Send API.
type EmailSender struct {
	Client *sendgrid.Client
	From   string
}

func NewEmailSender(apiKey, from string) *EmailSender {
	return &EmailSender{Client: sendgrid.NewSendClient(apiKey), From: from}
}

func (s *EmailSender) Send(ctx context.Context, p reply.Payload) (reply.SendReceipt, error) {
	if len(p.To) == 0 {
		return reply.SendReceipt{}, &reply.SendError{Class: reply.Permanent, Message: "replysend: email reply has no recipients"}
	}

	from := mail.NewEmail("", s.From)
	m := mail.NewV3Mail()
	m.SetFrom(from)
	m.Subject = p.Subject

	personalization := mail.NewPersonalization()
	for _, to := range p.To {
		personalization.AddTos(mail.NewEmail("", to))
	}
	for _, cc := range p.Cc {
		personalization.AddCCs(mail.NewEmail("", cc))
	}
	for _, bcc := range p.Bcc {
		personalization.AddBCCs(mail.NewEmail("", bcc))
	}
	if p.InReplyTo != "" {
		personalization.Headers = map[string]string{"In-Reply-To": p.InReplyTo}
	}
	if p.ReferencesHeader != "" {
		if personalization.Headers == nil {
			personalization.Headers = map[string]string{}
		}
		personalization.Headers["References"] = p.ReferencesHeader
	}
	m.AddPersonalizations(personalization)
	m.AddContent(mail.NewContent("text/html", p.HTMLBody))

	for _, a := range p.Attachments {
		att := mail.NewAttachment()
		att.SetContent(base64.StdEncoding.EncodeToString(a.Data))
		att.SetType(a.ContentType)
		att.SetFilename(a.Name)
		m.AddAttachment(att)
	}

	resp, err := s.Client.Send(m)
	if err != nil {
		return reply.SendReceipt{}, &reply.SendError{Class: reply.Transient, Message: "replysend: sendgrid send: " + err.Error()}
	}
	if resp.StatusCode >= 500 {
		return reply.SendReceipt{}, &reply.SendError{Class: reply.Transient, Message: fmt.Sprintf("replysend: sendgrid status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 {
		return reply.SendReceipt{}, &reply.SendError{Class: reply.Permanent, Message: fmt.Sprintf("replysend: sendgrid status %d: %s", resp.StatusCode, resp.Body)}
	}

	messageID := ""
	if ids, ok := resp.Headers["X-Message-Id"]; ok && len(ids) > 0 {
		messageID = ids[0]
	}
	return reply.SendReceipt{ProviderMessageID: messageID, SentAt: time.Now().UTC()}, nil
}
