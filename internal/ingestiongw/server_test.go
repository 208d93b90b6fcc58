package ingestiongw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/dowhiz/internal/blobstore"
	"github.com/nextlevelbuilder/dowhiz/internal/dedupe"
	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
	"github.com/nextlevelbuilder/dowhiz/internal/ingest"
	"github.com/nextlevelbuilder/dowhiz/internal/queue"
	"github.com/nextlevelbuilder/dowhiz/internal/router"
	"github.com/nextlevelbuilder/dowhiz/internal/threadepoch"
)

type stubParser struct {
	ch  envelope.Channel
	msg envelope.InboundMessage
	err error
}

func (p *stubParser) Channel() envelope.Channel { return p.ch }

func (p *stubParser) Parse(raw []byte, headers http.Header) (envelope.InboundMessage, error) {
	return p.msg, p.err
}

func newTestServer(t *testing.T, parsers map[envelope.Channel]ingest.Parser, rt *router.Router) (*Server, *queue.MemoryQueue) {
	t.Helper()
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	q := queue.NewMemoryQueue()
	return NewServer(parsers, rt, blobs, dedupe.NewMemoryStore(), q, threadepoch.NewStore(), nil), q
}

func routedRouter(channel envelope.Channel, addr, tenant, employee string) *router.Router {
	snap := router.NewSnapshot([]router.Rule{
		{Channel: channel, ServiceAddress: addr, TenantID: tenant, EmployeeID: employee},
	}, nil)
	return router.NewRouter(snap)
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil, router.NewRouter(router.NewSnapshot(nil, nil)))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("expected status ok body, got %q", rec.Body.String())
	}
}

func TestAcceptedMessageEnqueues(t *testing.T) {
	msg := envelope.InboundMessage{
		Channel:           envelope.ChannelEmail,
		ServiceAddress:    "oliver@dowhiz.com",
		ExternalMessageID: "msg-1",
		ThreadKey:         "thread-1",
	}
	parsers := map[envelope.Channel]ingest.Parser{
		envelope.ChannelEmail: &stubParser{ch: envelope.ChannelEmail, msg: msg},
	}
	rt := routedRouter(envelope.ChannelEmail, "oliver@dowhiz.com", "t1", "emp1")
	s, q := newTestServer(t, parsers, rt)

	req := httptest.NewRequest(http.MethodPost, "/postmark/inbound", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	found := false
	for _, env := range q.Snapshot() {
		if env.DedupeKey != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected one envelope enqueued")
	}
}

func TestDuplicateMessageReturns200WithoutReenqueue(t *testing.T) {
	msg := envelope.InboundMessage{
		Channel:           envelope.ChannelEmail,
		ServiceAddress:    "oliver@dowhiz.com",
		ExternalMessageID: "msg-dup",
	}
	parsers := map[envelope.Channel]ingest.Parser{
		envelope.ChannelEmail: &stubParser{ch: envelope.ChannelEmail, msg: msg},
	}
	rt := routedRouter(envelope.ChannelEmail, "oliver@dowhiz.com", "t1", "emp1")
	s, q := newTestServer(t, parsers, rt)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/postmark/inbound", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		if i == 0 && rec.Code != http.StatusAccepted {
			t.Fatalf("first delivery: expected 202, got %d", rec.Code)
		}
		if i == 1 && rec.Code != http.StatusOK {
			t.Fatalf("duplicate delivery: expected 200, got %d", rec.Code)
		}
	}
	if len(q.Snapshot()) != 1 {
		t.Fatalf("expected exactly one enqueued envelope, got %d", len(q.Snapshot()))
	}
}

func TestNoRouteReturns204(t *testing.T) {
	msg := envelope.InboundMessage{Channel: envelope.ChannelEmail, ServiceAddress: "unknown@dowhiz.com"}
	parsers := map[envelope.Channel]ingest.Parser{
		envelope.ChannelEmail: &stubParser{ch: envelope.ChannelEmail, msg: msg},
	}
	rt := router.NewRouter(router.NewSnapshot(nil, nil))
	s, q := newTestServer(t, parsers, rt)

	req := httptest.NewRequest(http.MethodPost, "/postmark/inbound", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(q.Snapshot()) != 0 {
		t.Fatalf("expected nothing enqueued on NoRoute")
	}
}

func TestParseErrorReturns400(t *testing.T) {
	parsers := map[envelope.Channel]ingest.Parser{
		envelope.ChannelEmail: &stubParser{ch: envelope.ChannelEmail, err: &ingest.ParseError{Kind: ingest.ErrMissingRequiredField, Message: "From"}},
	}
	s, _ := newTestServer(t, parsers, router.NewRouter(router.NewSnapshot(nil, nil)))

	req := httptest.NewRequest(http.MethodPost, "/postmark/inbound", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSignatureMismatchReturns401(t *testing.T) {
	parsers := map[envelope.Channel]ingest.Parser{
		envelope.ChannelSms: &stubParser{ch: envelope.ChannelSms, err: &ingest.ParseError{Kind: ingest.ErrSignatureMismatch, Message: "bad signature"}},
	}
	s, _ := newTestServer(t, parsers, router.NewRouter(router.NewSnapshot(nil, nil)))

	req := httptest.NewRequest(http.MethodPost, "/sms/twilio", strings.NewReader(`Body=hi`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestOwnBotMessageReturns204(t *testing.T) {
	parsers := map[envelope.Channel]ingest.Parser{
		envelope.ChannelDiscord: &stubParser{ch: envelope.ChannelDiscord, err: ingest.ErrOwnBot},
	}
	s, _ := newTestServer(t, parsers, router.NewRouter(router.NewSnapshot(nil, nil)))

	req := httptest.NewRequest(http.MethodPost, "/discord/interactions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for own-bot message, got %d", rec.Code)
	}
}
