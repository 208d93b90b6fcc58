package taskexec

import (
	"context"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/dowhiz/internal/reply"
	"github.com/nextlevelbuilder/dowhiz/internal/scheduler"
)

// SendReplyExecutor implements scheduler.Executor for
// scheduler.KindSendReply: read the drafted HTML reply and attachments
// out of the owning RunTask's workspace (SendReplyPayload.HTMLPath and
// AttachmentsDir are absolute, stamped at creation time in
// buildSendReplyTask) and dispatch via the channel-agnostic
// reply.Dispatcher.
type SendReplyExecutor struct {
	Dispatcher *reply.Dispatcher
}

func (e *SendReplyExecutor) Execute(ctx context.Context, t scheduler.Task) (scheduler.Outcome, error) {
	sr := t.SendReply
	if sr == nil {
		return scheduler.Outcome{}, &scheduler.TaskError{Kind: scheduler.ErrorPermanent, Message: "send_reply: nil payload"}
	}

	payload := reply.Payload{
		Channel:          sr.Channel,
		To:               sr.To,
		Cc:               sr.Cc,
		Bcc:              sr.Bcc,
		InReplyTo:        sr.InReplyTo,
		ReferencesHeader: sr.ReferencesHeader,
		ReplyHints:       sr.ReplyHints,
	}

	if sr.HTMLPath != "" {
		data, err := os.ReadFile(sr.HTMLPath)
		if err != nil {
			return scheduler.Outcome{}, &scheduler.TaskError{Kind: scheduler.ErrorPermanent, Message: "send_reply: read draft: " + err.Error()}
		}
		payload.HTMLBody = string(data)
	}

	if sr.AttachmentsDir != "" {
		attachments, err := loadAttachments(sr.AttachmentsDir)
		if err != nil {
			return scheduler.Outcome{}, &scheduler.TaskError{Kind: scheduler.ErrorPermanent, Message: "send_reply: read attachments: " + err.Error()}
		}
		payload.Attachments = attachments
	}

	if _, err := e.Dispatcher.Send(ctx, payload); err != nil {
		kind := scheduler.ErrorPermanent
		if se, ok := err.(*reply.SendError); ok && se.Class == reply.Transient {
			kind = scheduler.ErrorTransient
		}
		return scheduler.Outcome{}, &scheduler.TaskError{Kind: kind, Message: err.Error()}
	}
	return scheduler.Outcome{}, nil
}

func loadAttachments(dir string) ([]reply.EmailAttachment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []reply.EmailAttachment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, reply.EmailAttachment{Name: entry.Name(), Data: data})
	}
	return out, nil
}
