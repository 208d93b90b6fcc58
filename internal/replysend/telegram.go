package replysend

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/dowhiz/internal/reply"
)

// TelegramSender implements reply.Sender for the "telegram" channel via
// the Bot API's sendMessage. The chat ID rides in p.ReplyHints["chat_id"]
// (falling back to p.To), and a forum-topic thread rides in
// p.ReplyHints["message_thread_id"].
type TelegramSender struct {
	Bot *telego.Bot
}

func NewTelegramSender(botToken string) (*TelegramSender, error) {
	bot, err := telego.NewBot(botToken)
	if err != nil {
		return nil, fmt.Errorf("replysend: create telegram bot: %w", err)
	}
	return &TelegramSender{Bot: bot}, nil
}

func (s *TelegramSender) Send(ctx context.Context, p reply.Payload) (reply.SendReceipt, error) {
	chatIDStr := p.ReplyHints["chat_id"]
	if chatIDStr == "" && len(p.To) > 0 {
		chatIDStr = p.To[0]
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return reply.SendReceipt{}, &reply.SendError{Class: reply.Permanent, Message: "replysend: bad telegram chat_id " + strconv.Quote(chatIDStr)}
	}

	msg := tu.Message(tu.ID(chatID), p.BodyText)
	if tid, terr := strconv.Atoi(p.ReplyHints["message_thread_id"]); terr == nil && tid > 0 {
		msg.MessageThreadID = tid
	}

	sent, err := s.Bot.SendMessage(ctx, msg)
	if err != nil {
		return reply.SendReceipt{}, &reply.SendError{Class: reply.Transient, Message: "replysend: telegram sendMessage: " + err.Error()}
	}
	return reply.SendReceipt{ProviderMessageID: strconv.Itoa(sent.MessageID)}, nil
}
