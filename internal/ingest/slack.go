package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// slackEventEnvelope mirrors the subset of Slack's Events API payload the
// core needs. Parsing uses encoding/json directly rather than
// github.com/slack-go/slack's event-unmarshalling helpers, since the core
// only needs field extraction, not the full SDK event model; the outbound
// side (internal/replysend) uses slack-go/slack for Send.
type slackEventEnvelope struct {
	Type      string          `json:"type"`
	Token     string          `json:"token"`
	Challenge string          `json:"challenge"`
	TeamID    string          `json:"team_id"`
	Event     json.RawMessage `json:"event"`
}

type slackMessageEvent struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	User    string `json:"user"`
	BotID   string `json:"bot_id"`
	Text    string `json:"text"`
	TS      string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
	ClientMsgID string `json:"client_msg_id"`
}

// SlackParser parses Slack Events API webhook deliveries, including the url_verification handshake.
type SlackParser struct {
	SigningSecret string
	BotUserID     string
}

func (p *SlackParser) Channel() envelope.Channel { return envelope.ChannelSlack }

// ParseChallenge handles Slack's url_verification subtype by echoing the
// challenge token.
func (p *SlackParser) ParseChallenge(raw []byte, _ map[string]string) (ChallengeResponse, bool, error) {
	var env slackEventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ChallengeResponse{}, false, missingField("body: " + err.Error())
	}
	if env.Type != "url_verification" {
		return ChallengeResponse{}, false, nil
	}
	if env.Challenge == "" {
		return ChallengeResponse{}, false, missingField("challenge")
	}
	return ChallengeResponse{Body: []byte(env.Challenge), ContentType: "text/plain"}, true, nil
}

func (p *SlackParser) Parse(raw []byte, headers http.Header) (envelope.InboundMessage, error) {
	if p.SigningSecret != "" {
		if !p.verifySignature(raw, headers) {
			return envelope.InboundMessage{}, signatureMismatch("X-Slack-Signature")
		}
	}

	var env slackEventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope.InboundMessage{}, missingField("body: " + err.Error())
	}
	if env.Type != "event_callback" {
		return envelope.InboundMessage{}, unsupportedEvent(env.Type)
	}

	var ev slackMessageEvent
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		return envelope.InboundMessage{}, missingField("event: " + err.Error())
	}
	if ev.Type != "message" {
		return envelope.InboundMessage{}, unsupportedEvent(ev.Type)
	}
	if ev.BotID != "" || (p.BotUserID != "" && ev.User == p.BotUserID) {
		return envelope.InboundMessage{}, ErrOwnBot
	}
	if ev.Channel == "" || ev.User == "" || ev.TS == "" {
		return envelope.InboundMessage{}, missingField("channel/user/ts")
	}

	threadKey := ev.ThreadTS
	if threadKey == "" {
		threadKey = ev.TS
	}

	return envelope.InboundMessage{
		Channel:           envelope.ChannelSlack,
		ServiceAddress:    env.TeamID,
		Sender:            envelope.Identifier{Type: envelope.IdentifierSlackUser, Value: strings.ToUpper(ev.User)},
		ThreadKey:          threadKey,
		ExternalMessageID: ev.ClientMsgID + "|" + ev.TS,
		BodyText:          ev.Text,
		ReceivedAt:        tsToTime(ev.TS),
		ReplyHints: envelope.ReplyHints{
			ChatID:   ev.Channel,
			ThreadTS: threadKey,
		},
	}, nil
}

func (p *SlackParser) verifySignature(body []byte, headers http.Header) bool {
	ts := headers.Get("X-Slack-Request-Timestamp")
	sig := headers.Get("X-Slack-Signature")
	if ts == "" || sig == "" {
		return false
	}
	base := "v0:" + ts + ":" + string(body)
	mac := hmac.New(sha256.New, []byte(p.SigningSecret))
	mac.Write([]byte(base))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

func tsToTime(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
