package ingest

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// DiscordParser parses Discord MESSAGE_CREATE payloads (relayed to the
// webhook surface by the bot's gateway process), decoded straight into
// discordgo's Message type.
type DiscordParser struct {
	BotUserID string
}

func (p *DiscordParser) Channel() envelope.Channel { return envelope.ChannelDiscord }

func (p *DiscordParser) Parse(raw []byte, _ http.Header) (envelope.InboundMessage, error) {
	var m discordgo.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return envelope.InboundMessage{}, missingField("body: " + err.Error())
	}
	if m.Author == nil {
		return envelope.InboundMessage{}, missingField("author")
	}
	if m.Author.Bot || (p.BotUserID != "" && m.Author.ID == p.BotUserID) {
		return envelope.InboundMessage{}, ErrOwnBot
	}
	if m.ChannelID == "" || m.Author.ID == "" || m.ID == "" {
		return envelope.InboundMessage{}, missingField("channel_id/author.id/id")
	}

	threadKey := m.ChannelID
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		threadKey = m.ChannelID + ":" + m.MessageReference.MessageID
	}

	receivedAt := m.Timestamp.UTC()
	if m.Timestamp.IsZero() {
		receivedAt = nowUTC()
	}

	msg := envelope.InboundMessage{
		Channel:           envelope.ChannelDiscord,
		ServiceAddress:    m.GuildID,
		Sender:            envelope.Identifier{Type: envelope.IdentifierDiscordUser, Value: strings.ToUpper(m.Author.ID)},
		ThreadKey:         threadKey,
		ExternalMessageID: m.ID,
		BodyText:          m.Content,
		ReceivedAt:        receivedAt,
		ReplyHints: envelope.ReplyHints{
			ChatID: m.ChannelID,
		},
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, envelope.Attachment{
			FileName:    a.Filename,
			ContentType: a.ContentType,
			SizeBytes:   int64(a.Size),
			RawBlobRef:  a.URL,
		})
	}
	return msg, nil
}
