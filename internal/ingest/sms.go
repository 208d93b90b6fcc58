package ingest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// SmsParser parses Twilio's form-encoded inbound SMS webhook, with
// optional X-Twilio-Signature verification (HMAC-SHA1 over the callback
// URL plus sorted form params, per Twilio's published algorithm).
type SmsParser struct {
	AuthToken  string
	WebhookURL string // the exact URL Twilio POSTed to, required if AuthToken is set
}

func (p *SmsParser) Channel() envelope.Channel { return envelope.ChannelSms }

func (p *SmsParser) Parse(raw []byte, headers http.Header) (envelope.InboundMessage, error) {
	values, err := parseFormBody(raw)
	if err != nil {
		return envelope.InboundMessage{}, missingField("body: " + err.Error())
	}

	if p.AuthToken != "" {
		sig := headers.Get("X-Twilio-Signature")
		if sig == "" || !p.verifySignature(values, sig) {
			return envelope.InboundMessage{}, signatureMismatch("X-Twilio-Signature")
		}
	}

	from := values["From"]
	to := values["To"]
	sid := values["MessageSid"]
	if from == "" || to == "" || sid == "" {
		return envelope.InboundMessage{}, missingField("From/To/MessageSid")
	}

	return envelope.InboundMessage{
		Channel:           envelope.ChannelSms,
		ServiceAddress:    NormalizePhone(to),
		Sender:            envelope.Identifier{Type: envelope.IdentifierPhone, Value: NormalizePhone(from)},
		ThreadKey:         NormalizePhone(from) + "|" + NormalizePhone(to),
		ExternalMessageID: sid,
		BodyText:          values["Body"],
		ReceivedAt:        nowUTC(),
		ReplyHints: envelope.ReplyHints{
			To: []string{NormalizePhone(from)},
		},
	}, nil
}

// verifySignature implements Twilio's request validation: base64(HMAC-SHA1(
// authToken, url + sorted(key+value for each form param))).
func (p *SmsParser) verifySignature(values map[string]string, sig string) bool {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(p.WebhookURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(values[k])
	}

	mac := hmac.New(sha1.New, []byte(p.AuthToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

func parseFormBody(raw []byte) (map[string]string, error) {
	values, err := urlParseQuery(string(raw))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out, nil
}

// NormalizePhone implements the phone normalization rule: digits
// only with a leading "+" (E.164-ish), display-format agnostic.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}
