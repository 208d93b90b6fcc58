// Package envelope defines the canonical ingest types shared by every
// channel parser, the router, the ingestion queue, and the scheduler.
package envelope

import "time"

// Channel enumerates the closed set of supported inbound/outbound channels.
type Channel string

const (
	ChannelEmail       Channel = "email"
	ChannelSlack       Channel = "slack"
	ChannelDiscord     Channel = "discord"
	ChannelSms         Channel = "sms"
	ChannelTelegram    Channel = "telegram"
	ChannelWhatsApp    Channel = "whatsapp"
	ChannelBlueBubbles Channel = "bluebubbles"
	ChannelGoogleDocs  Channel = "googledocs"
)

// IdentifierType enumerates the closed set of sender identifier kinds.
type IdentifierType string

const (
	IdentifierEmail       IdentifierType = "email"
	IdentifierPhone       IdentifierType = "phone"
	IdentifierSlackUser   IdentifierType = "slack_user"
	IdentifierDiscordUser IdentifierType = "discord_user"
	IdentifierTelegramID  IdentifierType = "telegram_user"
	IdentifierWhatsAppID  IdentifierType = "whatsapp_user"
	IdentifierBlueBubble  IdentifierType = "bluebubbles_user"
	IdentifierGoogleUser  IdentifierType = "google_user"
)

// Identifier is a normalized (identifier_type, identifier) pair.
type Identifier struct {
	Type  IdentifierType `json:"identifier_type"`
	Value string         `json:"identifier"`
}

// Attachment is an inbound file reference. Exactly one of Inline or
// RawBlobRef is populated, per the 50MB inline cap (see blobstore).
type Attachment struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Inline      []byte `json:"-"`
	RawBlobRef  string `json:"raw_blob_ref,omitempty"`
}

// MaxInlineAttachmentBytes is the default cap; overridable via config.
const MaxInlineAttachmentBytes = 50 * 1024 * 1024

// ReplyHints carries the channel-specific identifiers needed to address a
// reply back to the same place the inbound message came from.
type ReplyHints struct {
	To              []string `json:"to,omitempty"`
	Cc              []string `json:"cc,omitempty"`
	Bcc             []string `json:"bcc,omitempty"`
	InReplyTo       string   `json:"in_reply_to,omitempty"`
	ReferencesHdr   string   `json:"references_header,omitempty"`
	ChatID          string   `json:"chat_id,omitempty"`
	ThreadTS        string   `json:"thread_ts,omitempty"`
	MessageThreadID string   `json:"message_thread_id,omitempty"`
}

// InboundMessage is the canonical ingest envelope produced by every channel
// parser.
type InboundMessage struct {
	Channel           Channel      `json:"channel"`
	ServiceAddress    string       `json:"service_address"`
	Sender            Identifier   `json:"sender"`
	ThreadKey         string       `json:"thread_key"`
	ExternalMessageID string       `json:"external_message_id"`
	Subject           string       `json:"subject,omitempty"`
	BodyText          string       `json:"body_text"`
	BodyHTML          string       `json:"body_html,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	ReceivedAt        time.Time    `json:"received_at"`
	ReplyHints        ReplyHints   `json:"reply_hints"`
}
