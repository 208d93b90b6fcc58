// Package ingestiongw is the inbound HTTP gateway: one endpoint per
// channel, each running the shared accept pipeline — parse, route,
// dedupe, store raw payload, enqueue — and mapping every outcome to a
// stable set of response status codes.
package ingestiongw

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/nextlevelbuilder/dowhiz/internal/blobstore"
	"github.com/nextlevelbuilder/dowhiz/internal/channels"
	"github.com/nextlevelbuilder/dowhiz/internal/dedupe"
	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
	"github.com/nextlevelbuilder/dowhiz/internal/ingest"
	"github.com/nextlevelbuilder/dowhiz/internal/queue"
	"github.com/nextlevelbuilder/dowhiz/internal/router"
	"github.com/nextlevelbuilder/dowhiz/internal/threadepoch"
)

// Server wires one Parser per channel to the shared ingestion pipeline.
type Server struct {
	parsers map[envelope.Channel]ingest.Parser
	router  *router.Router
	blobs   blobstore.Store
	dedup   dedupe.Store
	q       queue.Queue
	epochs  *threadepoch.Store
	limiter *channels.WebhookRateLimiter
	log     *slog.Logger

	mux *http.ServeMux
}

func NewServer(
	parsers map[envelope.Channel]ingest.Parser,
	rt *router.Router,
	blobs blobstore.Store,
	dedup dedupe.Store,
	q queue.Queue,
	epochs *threadepoch.Store,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		parsers: parsers,
		router:  rt,
		blobs:   blobs,
		dedup:   dedup,
		q:       q,
		epochs:  epochs,
		limiter: channels.NewWebhookRateLimiter(),
		log:     log,
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /postmark/inbound", s.handle(envelope.ChannelEmail))
	s.mux.HandleFunc("POST /slack/events", s.handleSlack)
	s.mux.HandleFunc("POST /discord/interactions", s.handle(envelope.ChannelDiscord))
	s.mux.HandleFunc("POST /sms/twilio", s.handle(envelope.ChannelSms))
	s.mux.HandleFunc("POST /telegram/webhook", s.handle(envelope.ChannelTelegram))
	s.mux.HandleFunc("POST /whatsapp/webhook", s.handle(envelope.ChannelWhatsApp))
	s.mux.HandleFunc("GET /whatsapp/webhook", s.handleWhatsAppChallenge)
	s.mux.HandleFunc("POST /bluebubbles/webhook", s.handle(envelope.ChannelBlueBubbles))
	s.mux.HandleFunc("POST /googledocs/webhook", s.handle(envelope.ChannelGoogleDocs))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleSlack special-cases the url_verification handshake
// before falling into the shared pipeline.
func (s *Server) handleSlack(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if parser, ok := s.parsers[envelope.ChannelSlack].(ingest.Challenge); ok {
		if resp, handled, cerr := parser.ParseChallenge(body, nil); handled {
			if cerr != nil {
				http.Error(w, cerr.Error(), http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", resp.ContentType)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(resp.Body)
			return
		}
	}

	s.process(w, r, envelope.ChannelSlack, body)
}

// handleWhatsAppChallenge answers the GET hub.challenge verification.
func (s *Server) handleWhatsAppChallenge(w http.ResponseWriter, r *http.Request) {
	parser, ok := s.parsers[envelope.ChannelWhatsApp].(ingest.Challenge)
	if !ok {
		http.NotFound(w, r)
		return
	}
	resp, handled, err := parser.ParseChallenge(nil, flattenQuery(r.URL.Query()))
	if !handled {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

func flattenQuery(q url.Values) map[string]string {
	out := make(map[string]string, len(q))
	for k := range q {
		out[k] = q.Get(k)
	}
	return out
}

func (s *Server) handle(ch envelope.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 25<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		s.process(w, r, ch, body)
	}
}

// process runs the shared accept pipeline:
// rate-limit -> parse -> route -> dedupe -> store raw -> enqueue.
func (s *Server) process(w http.ResponseWriter, r *http.Request, ch envelope.Channel, body []byte) {
	if !s.limiter.Allow(r.RemoteAddr) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	parser, ok := s.parsers[ch]
	if !ok {
		http.Error(w, "channel not configured", http.StatusNotFound)
		return
	}

	msg, err := parser.Parse(body, r.Header)
	if err != nil {
		if ingest.IsOwnBotMessage(err) {
			w.WriteHeader(http.StatusNoContent) // silent drop
			return
		}
		var perr *ingest.ParseError
		if errors.As(err, &perr) {
			switch perr.Kind {
			case ingest.ErrUnsupportedEventType:
				w.WriteHeader(http.StatusNoContent) // intentionally-dropped event type
				return
			case ingest.ErrSignatureMismatch:
				http.Error(w, perr.Message, http.StatusUnauthorized)
				return
			default:
				http.Error(w, perr.Message, http.StatusBadRequest)
				return
			}
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	decision := s.router.Route(msg)
	if !decision.Resolved {
		w.WriteHeader(http.StatusNoContent) // no matching route
		return
	}

	dedupeKey := dedupe.Key(msg.Channel, decision.TenantID, msg.ExternalMessageID)
	result, err := s.dedup.CheckAndInsert(ctx, dedupeKey)
	if err != nil {
		s.log.Error("ingestiongw: dedupe check failed", "error", err)
		http.Error(w, "dedupe store error", http.StatusInternalServerError)
		return
	}
	if result == dedupe.Duplicate {
		w.WriteHeader(http.StatusOK) // duplicate delivery, ack without re-enqueueing
		return
	}

	blobRef, err := s.blobs.Put(ctx, body)
	if err != nil {
		s.log.Error("ingestiongw: blob put failed", "error", err)
		http.Error(w, "blob store error", http.StatusInternalServerError) // fatal storage failure
		return
	}

	var epoch int64
	if s.epochs != nil {
		// Bump before the envelope is built, so the RunTask the consumer
		// creates from it always carries the latest value for this thread.
		epoch = s.epochs.Bump(decision.TenantID, string(msg.Channel), msg.ThreadKey)
	}

	env := queue.NewEnvelope(decision.TenantID, decision.EmployeeID, msg, dedupeKey, blobRef, epoch)
	if err := s.q.Enqueue(ctx, env); err != nil {
		s.log.Error("ingestiongw: enqueue failed", "error", err)
		http.Error(w, "queue error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ListenAndServe starts the HTTP server and blocks until ctx is
// cancelled, then shuts down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
