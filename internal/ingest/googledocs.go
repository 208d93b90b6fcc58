package ingest

import (
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// googleDocsComment mirrors the normalized shape a Google Drive/Docs "new
// comment" push notification is expanded into (via the Drive Comments API
// read-back the out-of-scope channel adapter performs before handing the
// core a canonical payload, leaving transport details out of scope).
type googleDocsComment struct {
	DocumentID string `json:"document_id"`
	CommentID  string `json:"comment_id"`
	ReplyID    string `json:"reply_id,omitempty"`
	AuthorEmail string `json:"author_email"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_time"` // RFC3339
}

// GoogleDocsParser parses normalized Google Docs comment events.
type GoogleDocsParser struct {
	BotEmail string
}

func (p *GoogleDocsParser) Channel() envelope.Channel { return envelope.ChannelGoogleDocs }

func (p *GoogleDocsParser) Parse(raw []byte, _ http.Header) (envelope.InboundMessage, error) {
	var c googleDocsComment
	if err := json.Unmarshal(raw, &c); err != nil {
		return envelope.InboundMessage{}, missingField("body: " + err.Error())
	}
	if c.DocumentID == "" || c.CommentID == "" || c.AuthorEmail == "" {
		return envelope.InboundMessage{}, missingField("document_id/comment_id/author_email")
	}
	normAuthor := NormalizeEmail(c.AuthorEmail)
	if p.BotEmail != "" && normAuthor == NormalizeEmail(p.BotEmail) {
		return envelope.InboundMessage{}, ErrOwnBot
	}

	externalID := c.CommentID
	if c.ReplyID != "" {
		externalID = c.CommentID + ":" + c.ReplyID
	}

	return envelope.InboundMessage{
		Channel:           envelope.ChannelGoogleDocs,
		ServiceAddress:    c.DocumentID,
		Sender:            envelope.Identifier{Type: envelope.IdentifierGoogleUser, Value: normAuthor},
		ThreadKey:         c.DocumentID + ":" + c.CommentID,
		ExternalMessageID: externalID,
		BodyText:          c.Content,
		ReceivedAt:        parseRFC3339OrNow(c.CreatedAt),
		ReplyHints: envelope.ReplyHints{
			ChatID: c.DocumentID + ":" + c.CommentID,
		},
	}, nil
}
