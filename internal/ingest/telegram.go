package ingest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// TelegramParser parses Telegram Bot API webhook updates, decoded
// straight into telego's Update type. Non-message updates (edits,
// callbacks, member changes) are dropped as unsupported events.
type TelegramParser struct {
	BotUserID int64
}

func (p *TelegramParser) Channel() envelope.Channel { return envelope.ChannelTelegram }

func (p *TelegramParser) Parse(raw []byte, _ http.Header) (envelope.InboundMessage, error) {
	var u telego.Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return envelope.InboundMessage{}, missingField("body: " + err.Error())
	}
	if u.Message == nil {
		return envelope.InboundMessage{}, unsupportedEvent("non-message update")
	}
	m := u.Message
	if m.From == nil {
		return envelope.InboundMessage{}, missingField("message.from")
	}
	if m.From.IsBot || (p.BotUserID != 0 && m.From.ID == p.BotUserID) {
		return envelope.InboundMessage{}, ErrOwnBot
	}

	// For forum supergroups the topic id partitions the conversation; in
	// plain groups message_thread_id is only reply context and is ignored.
	threadKey := strconv.FormatInt(m.Chat.ID, 10)
	isForum := (m.Chat.Type == "group" || m.Chat.Type == "supergroup") && m.Chat.IsForum
	if isForum && m.MessageThreadID != 0 {
		threadKey += ":topic:" + strconv.Itoa(m.MessageThreadID)
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}

	return envelope.InboundMessage{
		Channel:           envelope.ChannelTelegram,
		ServiceAddress:    strconv.FormatInt(m.Chat.ID, 10),
		Sender:            envelope.Identifier{Type: envelope.IdentifierTelegramID, Value: strconv.FormatInt(m.From.ID, 10)},
		ThreadKey:         threadKey,
		ExternalMessageID: strconv.Itoa(m.MessageID),
		BodyText:          text,
		ReceivedAt:        secToTime(m.Date),
		ReplyHints: envelope.ReplyHints{
			ChatID:          strconv.FormatInt(m.Chat.ID, 10),
			MessageThreadID: strconv.Itoa(m.MessageThreadID),
		},
	}, nil
}

func secToTime(sec int64) time.Time {
	if sec == 0 {
		return nowUTC()
	}
	return unixTime(sec)
}
