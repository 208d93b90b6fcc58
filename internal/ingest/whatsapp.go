package ingest

import (
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// whatsappEvent mirrors the JSON shape the WhatsApp bridge process
// re-serializes an incoming text message into before relaying it to this
// webhook boundary.
type whatsappEvent struct {
	Info    whatsappMessageInfo `json:"info"`
	Text    string              `json:"text"`
	FromMe  bool                `json:"from_me"`
}

type whatsappMessageInfo struct {
	ID        string `json:"id"`
	Chat      string `json:"chat"`      // JID of the chat (group or 1:1)
	Sender    string `json:"sender"`    // JID of the sender
	Timestamp int64  `json:"timestamp"`
}

// WhatsAppParser parses inbound WhatsApp webhook deliveries.
type WhatsAppParser struct {
	VerifyToken string
}

func (p *WhatsAppParser) Channel() envelope.Channel { return envelope.ChannelWhatsApp }

// ParseChallenge handles the GET hub.challenge handshake.
func (p *WhatsAppParser) ParseChallenge(_ []byte, query map[string]string) (ChallengeResponse, bool, error) {
	if query["hub.mode"] != "subscribe" {
		return ChallengeResponse{}, false, nil
	}
	if p.VerifyToken != "" && query["hub.verify_token"] != p.VerifyToken {
		return ChallengeResponse{}, false, signatureMismatch("hub.verify_token")
	}
	return ChallengeResponse{Body: []byte(query["hub.challenge"]), ContentType: "text/plain"}, true, nil
}

func (p *WhatsAppParser) Parse(raw []byte, _ http.Header) (envelope.InboundMessage, error) {
	var ev whatsappEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return envelope.InboundMessage{}, missingField("body: " + err.Error())
	}
	if ev.FromMe {
		return envelope.InboundMessage{}, ErrOwnBot
	}
	if ev.Info.Chat == "" || ev.Info.Sender == "" || ev.Info.ID == "" {
		return envelope.InboundMessage{}, missingField("info.chat/info.sender/info.id")
	}

	return envelope.InboundMessage{
		Channel:           envelope.ChannelWhatsApp,
		ServiceAddress:    ev.Info.Chat,
		Sender:            envelope.Identifier{Type: envelope.IdentifierWhatsAppID, Value: ev.Info.Sender},
		ThreadKey:         ev.Info.Chat,
		ExternalMessageID: ev.Info.ID,
		BodyText:          ev.Text,
		ReceivedAt:        secToTime(ev.Info.Timestamp),
		ReplyHints: envelope.ReplyHints{
			ChatID: ev.Info.Chat,
		},
	}, nil
}
