package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// postmarkInbound mirrors the subset of Postmark's inbound webhook JSON the
// core needs for routing, dedupe, and reply construction.
type postmarkInbound struct {
	From        string               `json:"From"`
	To          string               `json:"To"`
	Cc          string               `json:"Cc"`
	Subject     string               `json:"Subject"`
	TextBody    string               `json:"TextBody"`
	HtmlBody    string               `json:"HtmlBody"`
	MessageID   string               `json:"MessageID"`
	Date        string               `json:"Date"`
	MailboxHash string               `json:"MailboxHash"`
	Headers     []postmarkHeader     `json:"Headers"`
	Attachments []postmarkAttachment `json:"Attachments"`
}

type postmarkHeader struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type postmarkAttachment struct {
	Name        string `json:"Name"`
	ContentType string `json:"ContentType"`
	ContentID   string `json:"ContentID"`
	Content     string `json:"Content"` // base64
}

// EmailParser parses Postmark inbound webhook payloads.
type EmailParser struct {
	// WebhookToken, when non-empty, is compared against the X-Postmark-Token
	// header.
	WebhookToken string
}

func (p *EmailParser) Channel() envelope.Channel { return envelope.ChannelEmail }

func (p *EmailParser) Parse(raw []byte, headers http.Header) (envelope.InboundMessage, error) {
	if p.WebhookToken != "" {
		if headers.Get("X-Postmark-Token") != p.WebhookToken {
			return envelope.InboundMessage{}, signatureMismatch("X-Postmark-Token")
		}
	}

	var in postmarkInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return envelope.InboundMessage{}, missingField("body: " + err.Error())
	}

	fromAddr, _ := splitDisplayAndAddress(in.From)
	if fromAddr == "" {
		return envelope.InboundMessage{}, missingField("From")
	}
	toAddr, _ := splitDisplayAndAddress(in.To)
	if toAddr == "" {
		return envelope.InboundMessage{}, missingField("To")
	}
	if in.MessageID == "" {
		return envelope.InboundMessage{}, missingField("MessageID")
	}

	normFrom := NormalizeEmail(fromAddr)

	threadKey := referencesHeader(in.Headers)
	if threadKey == "" {
		threadKey = in.MessageID
	}

	receivedAt := time.Now().UTC()
	if in.Date != "" {
		if t, err := time.Parse(time.RFC1123Z, in.Date); err == nil {
			receivedAt = t.UTC()
		}
	}

	msg := envelope.InboundMessage{
		Channel:           envelope.ChannelEmail,
		ServiceAddress:    strings.ToLower(toAddr),
		Sender:            envelope.Identifier{Type: envelope.IdentifierEmail, Value: normFrom},
		ThreadKey:         threadKey,
		ExternalMessageID: in.MessageID,
		Subject:           in.Subject,
		BodyText:          in.TextBody,
		BodyHTML:          in.HtmlBody,
		ReceivedAt:        receivedAt,
		ReplyHints: envelope.ReplyHints{
			To:            replyRecipients(in),
			InReplyTo:     in.MessageID,
			ReferencesHdr: threadKey,
		},
	}

	for _, a := range in.Attachments {
		data, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			continue
		}
		att := envelope.Attachment{
			FileName:    a.Name,
			ContentType: a.ContentType,
			SizeBytes:   int64(len(data)),
		}
		if att.SizeBytes <= envelope.MaxInlineAttachmentBytes {
			att.Inline = data
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	return msg, nil
}

// replyRecipients returns the reply-to address list with no-reply
// local-parts filtered out.
func replyRecipients(in postmarkInbound) []string {
	addrs := splitAddressList(in.From)
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		norm := NormalizeEmail(a)
		if IsNoReply(norm) {
			continue
		}
		out = append(out, norm)
	}
	return out
}

func splitAddressList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		addr, _ := splitDisplayAndAddress(strings.TrimSpace(p))
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// splitDisplayAndAddress extracts the bare address from a
// `"Display Name" <addr@host>` or bare `addr@host` string.
func splitDisplayAndAddress(s string) (addr, display string) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j >= 0 {
			return strings.TrimSpace(s[i+1 : i+j]), strings.TrimSpace(s[:i])
		}
	}
	return s, ""
}

func referencesHeader(headers []postmarkHeader) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "References") {
			fields := strings.Fields(h.Value)
			if len(fields) > 0 {
				return fields[0]
			}
		}
	}
	return ""
}

// NormalizeEmail implements the email normalization rules:
// strip any "Display Name <...>" wrapper, lowercase, trim, strip "+tag".
func NormalizeEmail(addr string) string {
	addr, _ = splitDisplayAndAddress(addr)
	addr = strings.ToLower(strings.TrimSpace(addr))
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}
	local, domain := addr[:at], addr[at+1:]
	if plus := strings.Index(local, "+"); plus >= 0 {
		local = local[:plus]
	}
	return local + "@" + domain
}

// IsNoReply reports whether a normalized email's local-part marks it as a
// non-reply address.
func IsNoReply(normalizedEmail string) bool {
	at := strings.LastIndex(normalizedEmail, "@")
	local := normalizedEmail
	if at >= 0 {
		local = normalizedEmail[:at]
	}
	local = strings.ReplaceAll(local, "_", "-")
	return local == "no-reply" || local == "noreply" || strings.HasPrefix(local, "no-reply") || strings.HasPrefix(local, "noreply")
}

// verifyHMACSHA256Base64 checks a base64 HMAC-SHA256 signature over the
// raw body. No parser calls it; Twilio verification (sms.go) uses HMAC-SHA1.
func verifyHMACSHA256Base64(secret []byte, body []byte, expectedB64 string) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	sum := mac.Sum(nil)
	return hmac.Equal([]byte(base64.StdEncoding.EncodeToString(sum)), []byte(expectedB64))
}
