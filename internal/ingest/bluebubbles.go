package ingest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// blueBubblesWebhook mirrors the subset of a BlueBubbles server webhook
// payload (iMessage bridge) the core needs.
type blueBubblesWebhook struct {
	Type string              `json:"type"`
	Data blueBubblesMessage  `json:"data"`
}

type blueBubblesMessage struct {
	GUID       string             `json:"guid"`
	Text       string             `json:"text"`
	IsFromMe   bool               `json:"isFromMe"`
	DateCreated int64             `json:"dateCreated"` // ms epoch
	Handle     blueBubblesHandle  `json:"handle"`
	Chats      []blueBubblesChat  `json:"chats"`
}

type blueBubblesHandle struct {
	Address string `json:"address"`
}

type blueBubblesChat struct {
	GUID string `json:"guid"`
}

// BlueBubblesParser parses BlueBubbles server webhook deliveries (iMessage),
// POST /bluebubbles/webhook.
type BlueBubblesParser struct{}

func (p *BlueBubblesParser) Channel() envelope.Channel { return envelope.ChannelBlueBubbles }

func (p *BlueBubblesParser) Parse(raw []byte, _ http.Header) (envelope.InboundMessage, error) {
	var w blueBubblesWebhook
	if err := json.Unmarshal(raw, &w); err != nil {
		return envelope.InboundMessage{}, missingField("body: " + err.Error())
	}
	if w.Type != "new-message" {
		return envelope.InboundMessage{}, unsupportedEvent(w.Type)
	}
	if w.Data.IsFromMe {
		return envelope.InboundMessage{}, ErrOwnBot
	}
	if w.Data.GUID == "" || w.Data.Handle.Address == "" || len(w.Data.Chats) == 0 {
		return envelope.InboundMessage{}, missingField("data.guid/data.handle.address/data.chats")
	}
	chatGUID := w.Data.Chats[0].GUID

	return envelope.InboundMessage{
		Channel:           envelope.ChannelBlueBubbles,
		ServiceAddress:    chatGUID,
		Sender:            envelope.Identifier{Type: envelope.IdentifierBlueBubble, Value: w.Data.Handle.Address},
		ThreadKey:         chatGUID,
		ExternalMessageID: w.Data.GUID,
		BodyText:          w.Data.Text,
		ReceivedAt:        msToTime(w.Data.DateCreated),
		ReplyHints: envelope.ReplyHints{
			ChatID: chatGUID,
		},
	}, nil
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return nowUTC()
	}
	return unixTime(ms / 1000)
}
