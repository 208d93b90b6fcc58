package replysend

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/dowhiz/internal/reply"
)

// DiscordSender implements reply.Sender for the "discord" channel over
// the REST API (no gateway connection is opened for outbound-only use).
// The channel ID rides in p.ReplyHints["channel_id"] (falling back to
// p.To); p.ReplyHints["message_id"], when set, becomes a message
// reference so the reply lands threaded under the inbound message.
type DiscordSender struct {
	Session *discordgo.Session
}

func NewDiscordSender(botToken string) (*DiscordSender, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("replysend: create discord session: %w", err)
	}
	return &DiscordSender{Session: session}, nil
}

func (s *DiscordSender) Send(ctx context.Context, p reply.Payload) (reply.SendReceipt, error) {
	channelID := p.ReplyHints["channel_id"]
	if channelID == "" && len(p.To) > 0 {
		channelID = p.To[0]
	}
	if channelID == "" {
		return reply.SendReceipt{}, &reply.SendError{Class: reply.Permanent, Message: "replysend: no channel_id for discord reply"}
	}

	send := &discordgo.MessageSend{Content: p.BodyText}
	if refID := p.ReplyHints["message_id"]; refID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: refID, ChannelID: channelID}
	}

	sent, err := s.Session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		var rateErr *discordgo.RateLimitError
		if errors.As(err, &rateErr) {
			return reply.SendReceipt{}, &reply.SendError{Class: reply.Transient, Message: "replysend: discord rate limited: " + err.Error()}
		}
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode >= 400 && restErr.Response.StatusCode < 500 {
			return reply.SendReceipt{}, &reply.SendError{Class: reply.Permanent, Message: "replysend: discord send: " + err.Error()}
		}
		return reply.SendReceipt{}, &reply.SendError{Class: reply.Transient, Message: "replysend: discord send: " + err.Error()}
	}
	return reply.SendReceipt{ProviderMessageID: sent.ID}, nil
}
