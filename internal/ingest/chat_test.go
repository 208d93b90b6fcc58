package ingest

import (
	"net/http"
	"testing"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

func TestSlackParserChallenge(t *testing.T) {
	p := &SlackParser{}
	resp, handled, err := p.ParseChallenge([]byte(`{"type":"url_verification","challenge":"abc123"}`), nil)
	if err != nil || !handled {
		t.Fatalf("ParseChallenge: handled=%v err=%v", handled, err)
	}
	if string(resp.Body) != "abc123" {
		t.Errorf("challenge body = %q", resp.Body)
	}

	_, handled, err = p.ParseChallenge([]byte(`{"type":"event_callback"}`), nil)
	if err != nil || handled {
		t.Fatalf("non-challenge payload: handled=%v err=%v", handled, err)
	}
}

func TestSlackParserMessage(t *testing.T) {
	p := &SlackParser{}
	raw := []byte(`{
		"type": "event_callback",
		"team_id": "T123",
		"event": {"type": "message", "channel": "C42", "user": "u99", "text": "hi", "ts": "1700000000.000100", "thread_ts": "1699999999.000001", "client_msg_id": "cm-1"}
	}`)
	msg, err := p.Parse(raw, http.Header{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Sender.Value != "U99" {
		t.Errorf("Sender = %q, want uppercased slack id", msg.Sender.Value)
	}
	if msg.ThreadKey != "1699999999.000001" {
		t.Errorf("ThreadKey = %q, want thread_ts", msg.ThreadKey)
	}
	if msg.ReplyHints.ChatID != "C42" {
		t.Errorf("ReplyHints.ChatID = %q", msg.ReplyHints.ChatID)
	}
}

func TestSlackParserDropsBotAndNonMessage(t *testing.T) {
	p := &SlackParser{BotUserID: "UBOT"}

	bot := []byte(`{"type":"event_callback","event":{"type":"message","channel":"C1","user":"UBOT","ts":"1.2"}}`)
	if _, err := p.Parse(bot, http.Header{}); !IsOwnBotMessage(err) {
		t.Errorf("own-bot message: err = %v, want own_bot_message", err)
	}

	reaction := []byte(`{"type":"event_callback","event":{"type":"reaction_added"}}`)
	_, err := p.Parse(reaction, http.Header{})
	pe, ok := err.(*ParseError)
	if !ok || pe.Kind != ErrUnsupportedEventType {
		t.Errorf("reaction event: err = %v, want unsupported_event_type", err)
	}
}

func TestTelegramParserMessage(t *testing.T) {
	p := &TelegramParser{}
	raw := []byte(`{
		"update_id": 7,
		"message": {
			"message_id": 42,
			"from": {"id": 1001, "is_bot": false, "first_name": "A"},
			"chat": {"id": -500, "type": "supergroup", "is_forum": true},
			"date": 1700000000,
			"message_thread_id": 9,
			"is_topic_message": true,
			"text": "hello"
		}
	}`)
	msg, err := p.Parse(raw, http.Header{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Sender.Type != envelope.IdentifierTelegramID || msg.Sender.Value != "1001" {
		t.Errorf("Sender = %+v", msg.Sender)
	}
	if msg.ThreadKey != "-500:topic:9" {
		t.Errorf("ThreadKey = %q, want forum topic key", msg.ThreadKey)
	}
	if msg.ExternalMessageID != "42" {
		t.Errorf("ExternalMessageID = %q", msg.ExternalMessageID)
	}
	if msg.ReplyHints.ChatID != "-500" {
		t.Errorf("ReplyHints.ChatID = %q", msg.ReplyHints.ChatID)
	}
}

func TestTelegramParserDropsBotsAndNonMessages(t *testing.T) {
	p := &TelegramParser{BotUserID: 555}

	fromBot := []byte(`{"message":{"message_id":1,"from":{"id":9,"is_bot":true},"chat":{"id":1,"type":"private"},"date":1}}`)
	if _, err := p.Parse(fromBot, http.Header{}); !IsOwnBotMessage(err) {
		t.Errorf("is_bot sender: err = %v, want own_bot_message", err)
	}

	fromSelf := []byte(`{"message":{"message_id":1,"from":{"id":555,"is_bot":false},"chat":{"id":1,"type":"private"},"date":1}}`)
	if _, err := p.Parse(fromSelf, http.Header{}); !IsOwnBotMessage(err) {
		t.Errorf("own bot id: err = %v, want own_bot_message", err)
	}

	edited := []byte(`{"update_id":8,"edited_message":{"message_id":1}}`)
	_, err := p.Parse(edited, http.Header{})
	pe, ok := err.(*ParseError)
	if !ok || pe.Kind != ErrUnsupportedEventType {
		t.Errorf("edited_message update: err = %v, want unsupported_event_type", err)
	}
}

func TestDiscordParserMessage(t *testing.T) {
	p := &DiscordParser{}
	raw := []byte(`{
		"id": "m1",
		"channel_id": "c1",
		"guild_id": "g1",
		"content": "hey",
		"author": {"id": "u1", "bot": false},
		"timestamp": "2026-03-01T00:00:00Z",
		"message_reference": {"message_id": "root"},
		"attachments": [{"id": "a1", "filename": "f.txt", "content_type": "text/plain", "size": 3, "url": "https://cdn/f.txt"}]
	}`)
	msg, err := p.Parse(raw, http.Header{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Sender.Value != "U1" {
		t.Errorf("Sender = %q, want uppercased discord id", msg.Sender.Value)
	}
	if msg.ThreadKey != "c1:root" {
		t.Errorf("ThreadKey = %q", msg.ThreadKey)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].RawBlobRef != "https://cdn/f.txt" {
		t.Errorf("Attachments = %+v", msg.Attachments)
	}
}

func TestDiscordParserDropsBots(t *testing.T) {
	p := &DiscordParser{BotUserID: "ubot"}

	bot := []byte(`{"id":"m1","channel_id":"c1","author":{"id":"x","bot":true}}`)
	if _, err := p.Parse(bot, http.Header{}); !IsOwnBotMessage(err) {
		t.Errorf("bot author: err = %v, want own_bot_message", err)
	}

	self := []byte(`{"id":"m1","channel_id":"c1","author":{"id":"ubot","bot":false}}`)
	if _, err := p.Parse(self, http.Header{}); !IsOwnBotMessage(err) {
		t.Errorf("own bot id: err = %v, want own_bot_message", err)
	}
}
