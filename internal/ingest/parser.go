// Package ingest implements the per-channel inbound webhook parsers.
// Each parser is a pure function: raw transport bytes + headers in,
// envelope.InboundMessage out. Parsers never touch storage.
package ingest

import (
	"errors"
	"net/http"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// ParseError is the closed error taxonomy for channel parsing.
type ParseError struct {
	Kind    ParseErrorKind
	Message string
}

type ParseErrorKind string

const (
	ErrMissingRequiredField ParseErrorKind = "missing_required_field"
	ErrUnsupportedEventType ParseErrorKind = "unsupported_event_type"
	ErrSignatureMismatch    ParseErrorKind = "signature_mismatch"
	ErrOwnBotMessage        ParseErrorKind = "own_bot_message"
)

func (e *ParseError) Error() string { return string(e.Kind) + ": " + e.Message }

func missingField(name string) error {
	return &ParseError{Kind: ErrMissingRequiredField, Message: name}
}

func unsupportedEvent(kind string) error {
	return &ParseError{Kind: ErrUnsupportedEventType, Message: kind}
}

func signatureMismatch(detail string) error {
	return &ParseError{Kind: ErrSignatureMismatch, Message: detail}
}

// ErrOwnBot is returned (wrapped) when the inbound event was authored by the
// platform's own bot account; callers must silently drop it (no 4xx).
var ErrOwnBot = &ParseError{Kind: ErrOwnBotMessage, Message: "message authored by own bot account"}

// IsOwnBotMessage reports whether err is the silent-drop sentinel.
func IsOwnBotMessage(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe) && pe.Kind == ErrOwnBotMessage
}

// ChallengeResponse is returned by parsers (e.g. Slack url_verification,
// WhatsApp hub.challenge) that must echo a challenge token instead of
// producing an InboundMessage.
type ChallengeResponse struct {
	Body        []byte
	ContentType string
}

// Parser is the contract every channel adapter implements.
type Parser interface {
	Channel() envelope.Channel
	Parse(raw []byte, headers http.Header) (envelope.InboundMessage, error)
}

// Challenge is an optional extension for channels with a verification
// handshake distinct from normal message parsing (Slack, WhatsApp).
type Challenge interface {
	ParseChallenge(raw []byte, query map[string]string) (ChallengeResponse, bool, error)
}
