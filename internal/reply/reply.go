// Package reply implements the Reply Dispatcher: a channel-
// agnostic send(channel, payload) -> Result<SendReceipt, SendError>
// contract, with HTML-to-text conversion for chat channels and
// post-send archival of outbound email.
package reply

import (
	"context"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// ErrorClass distinguishes retryable from terminal send failures.
type ErrorClass string

const (
	Transient ErrorClass = "transient"
	Permanent ErrorClass = "permanent"
)

// SendError is returned by a failed Send.
type SendError struct {
	Class   ErrorClass
	Message string
}

func (e *SendError) Error() string { return e.Message }

// SendReceipt is returned by a successful Send.
type SendReceipt struct {
	ProviderMessageID string
	SentAt            time.Time
}

// EmailAttachment is one (name, content_type, bytes) triple.
type EmailAttachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Payload carries everything a Sender needs, channel-specific fields left
// zero for the channels that don't use them.
type Payload struct {
	Channel string

	// Email fields.
	To, Cc, Bcc      []string
	Subject          string
	HTMLBody         string
	Attachments      []EmailAttachment
	InReplyTo        string
	ReferencesHeader string

	// Chat-channel fields.
	ReplyHints map[string]string
	BodyText   string
}

// Sender delivers one Payload for one channel. Channel packages
// (email, slack, discord, ...) implement this.
type Sender interface {
	Send(ctx context.Context, p Payload) (SendReceipt, error)
}

// ArchiveFunc records an outbound message to the user mail store.
type ArchiveFunc func(ctx context.Context, p Payload, receipt SendReceipt) error

// Dispatcher routes Send calls to the registered per-channel Sender and
// archives successful email sends.
type Dispatcher struct {
	senders map[string]Sender
	archive ArchiveFunc
}

func NewDispatcher(senders map[string]Sender, archive ArchiveFunc) *Dispatcher {
	return &Dispatcher{senders: senders, archive: archive}
}

// Send prepares the channel-appropriate body (converting HTML to plain
// text for chat channels) and dispatches via the registered
// Sender, archiving successful email sends.
func (d *Dispatcher) Send(ctx context.Context, p Payload) (SendReceipt, error) {
	sender, ok := d.senders[p.Channel]
	if !ok {
		return SendReceipt{}, &SendError{Class: Permanent, Message: "reply: no sender registered for channel " + p.Channel}
	}

	if p.Channel != "email" && p.BodyText == "" && p.HTMLBody != "" {
		p.BodyText = HTMLToText(p.HTMLBody)
	}

	receipt, err := sender.Send(ctx, p)
	if err != nil {
		return SendReceipt{}, err
	}

	if p.Channel == "email" && d.archive != nil {
		if aerr := d.archive(ctx, p, receipt); aerr != nil {
			// Archival failure does not undo a successful send; the
			// archival error is dropped and the send reported as successful.
			return receipt, nil
		}
	}
	return receipt, nil
}

// HTMLToText strips markup down to visible text, used when delivering an
// HTML-authored reply to a plain-text chat channel.
func HTMLToText(in string) string {
	tok := html.NewTokenizer(strings.NewReader(in))
	var sb strings.Builder
	skipping := 0

	for {
		tt := tok.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(collapseBlankLines(sb.String()))
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tok.TagName()
			switch string(name) {
			case "script", "style":
				if tt == html.StartTagToken {
					skipping++
				}
			case "br":
				sb.WriteString("\n")
			case "p", "div", "li", "tr":
				sb.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := tok.TagName()
			switch string(name) {
			case "script", "style":
				if skipping > 0 {
					skipping--
				}
			case "p", "div", "li", "tr":
				sb.WriteString("\n")
			}
		case html.TextToken:
			if skipping == 0 {
				sb.Write(tok.Text())
			}
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}
