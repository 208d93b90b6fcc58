// Package replysend implements the per-channel outbound reply.Sender
// adapters the Reply Dispatcher uses to actually deliver a send_reply
// task: one file per channel API.
package replysend

import (
	"context"

	"github.com/slack-go/slack"

	"github.com/nextlevelbuilder/dowhiz/internal/reply"
)

// SlackSender implements reply.Sender for the "slack" channel via the
// Slack Web API's chat.postMessage. The channel ID rides in p.To (stashed
// from envelope.ReplyHints.ChatID at parse time via resolveReplyTo); the
// thread timestamp rides in p.InReplyTo (envelope.ReplyHints.ThreadTS,
// carried through as the RunTask/SendReply ThreadKey). ReplyHints lets a
// SCHEDULED_TASKS directive override either explicitly.
type SlackSender struct {
	Client *slack.Client
}

func NewSlackSender(botToken string) *SlackSender {
	return &SlackSender{Client: slack.New(botToken)}
}

func (s *SlackSender) Send(ctx context.Context, p reply.Payload) (reply.SendReceipt, error) {
	channelID := p.ReplyHints["channel_id"]
	if channelID == "" && len(p.To) > 0 {
		channelID = p.To[0]
	}
	if channelID == "" {
		return reply.SendReceipt{}, &reply.SendError{Class: reply.Permanent, Message: "replysend: no channel_id for slack reply"}
	}

	threadTS := p.ReplyHints["thread_ts"]
	if threadTS == "" {
		threadTS = p.InReplyTo
	}

	opts := []slack.MsgOption{slack.MsgOptionText(p.BodyText, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	_, ts, err := s.Client.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		if _, ok := err.(*slack.RateLimitedError); ok {
			return reply.SendReceipt{}, &reply.SendError{Class: reply.Transient, Message: "replysend: slack rate limited: " + err.Error()}
		}
		return reply.SendReceipt{}, &reply.SendError{Class: reply.Transient, Message: "replysend: slack postMessage: " + err.Error()}
	}
	return reply.SendReceipt{ProviderMessageID: ts}, nil
}
