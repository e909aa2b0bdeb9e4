package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"

	"github.com/lukasbauer/parley/internal/dialogue"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type RouterConfig struct {
	// JWT Authentication. Empty disables auth on the dialogue, feed and audio endpoints.
	JWTSecret string

	// Languages of the configured transcript streams, reported by /dialogue.
	Languages []string
}

// DialogueSource is the read side of the dialogue.
type DialogueSource interface {
	Lines() []dialogue.Line
}

// AudioSink forwards an audio frame to every transcript stream.
type AudioSink interface {
	SendAudio(ctx context.Context, frame []byte) error
}

// Dependencies are the components the router serves.
type Dependencies struct {
	Dialogue DialogueSource
	Audio    AudioSink    // nil disables /audio
	Feed     *Feed        // nil disables /feed
	Metrics  http.Handler // nil disables /metrics
	Conns    *ConnRegistry
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	dialogue DialogueSource
	audio    AudioSink
	feed     *Feed
	metrics  http.Handler
	conns    *ConnRegistry
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, deps Dependencies) http.Handler {
	conns := deps.Conns
	if conns == nil {
		conns = NewConnRegistry()
	}

	r := &Router{
		cfg:      cfg,
		logger:   logger,
		dialogue: deps.Dialogue,
		audio:    deps.Audio,
		feed:     deps.Feed,
		metrics:  deps.Metrics,
		conns:    conns,
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	if r.metrics != nil {
		r.mux.Handle("GET /metrics", r.metrics)
	}

	// Protected endpoints (auth only when JWT_SECRET is set)
	r.mux.HandleFunc("GET /dialogue", r.withAuth(r.handleGetDialogue))
	if r.feed != nil {
		r.mux.HandleFunc("GET /feed", r.withAuth(r.handleFeedWS))
	}
	if r.audio != nil {
		r.mux.HandleFunc("GET /audio", r.withAuth(r.handleAudioWS))
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.conns.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type dialogueResponse struct {
	Languages []string        `json:"languages"`
	Lines     []dialogue.Line `json:"lines"`
}

// handleGetDialogue returns the dialogue as JSON, or as prompt text with ?format=text.
func (r *Router) handleGetDialogue(w http.ResponseWriter, req *http.Request) {
	lines := r.dialogue.Lines()

	if req.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(dialogue.BuildPrompt(lines)))
		return
	}

	if lines == nil {
		lines = []dialogue.Line{}
	}
	writeJSON(w, http.StatusOK, dialogueResponse{
		Languages: r.cfg.Languages,
		Lines:     lines,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
