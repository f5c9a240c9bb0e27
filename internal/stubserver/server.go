// Package stubserver is a reference implementation of the backend webhook the
// bridge talks to. It answers in both delivery modes, selected by the
// request's Accept header, and exists for local development and end-to-end
// tests.
package stubserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"chatbridge/internal/auth"
	"chatbridge/internal/httputil"
	"chatbridge/internal/middleware"
)

// Options configures the stub server.
type Options struct {
	// ChatInputKey and SessionKey name the payload fields, mirroring the
	// bridge's configurable key names.
	ChatInputKey string
	SessionKey   string

	// Reply produces the assistant text for a user input. Defaults to an
	// echo reply.
	Reply func(input string) string

	// ChunkDelay paces streamed snapshots. Zero streams as fast as the
	// client reads.
	ChunkDelay time.Duration

	// KeepAliveInterval paces comment keepalives on streamed responses.
	// Zero disables them.
	KeepAliveInterval time.Duration

	// Verifier enables bearer-token auth when non-nil.
	Verifier auth.Verifier

	// AllowedOrigins configures CORS. Empty allows any origin.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Server is the reference webhook backend.
type Server struct {
	opts   Options
	logger *slog.Logger
}

// New creates a stub server.
func New(opts Options) *Server {
	if opts.ChatInputKey == "" {
		opts.ChatInputKey = "chatInput"
	}
	if opts.SessionKey == "" {
		opts.SessionKey = "sessionId"
	}
	if opts.Reply == nil {
		opts.Reply = func(input string) string {
			return fmt.Sprintf("You said: %s", input)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{opts: opts, logger: logger}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/chat", s.handleChat)
	mux.HandleFunc("GET /health", s.handleHealth)

	var handler http.Handler = mux
	handler = middleware.Auth(s.opts.Verifier, s.logger)(handler)
	handler = middleware.Recovery(s.logger)(handler)

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Accept"},
	})
	return c.Handler(handler)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := httputil.ParseJSON(w, r, &payload); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if action, _ := payload["action"].(string); action != "sendMessage" {
		httputil.RespondError(w, http.StatusBadRequest, "unsupported action")
		return
	}

	input, _ := payload[s.opts.ChatInputKey].(string)
	if strings.TrimSpace(input) == "" {
		httputil.RespondError(w, http.StatusBadRequest, "empty chat input")
		return
	}

	sessionID, _ := payload[s.opts.SessionKey].(string)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	reply := s.opts.Reply(input)
	s.logger.Info("chat request",
		"session_id", sessionID,
		"input_len", len(input),
		"streaming", wantsStream(r),
	)

	if wantsStream(r) {
		s.streamReply(w, r, reply, sessionID)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]string{
		"output":    reply,
		"sessionId": sessionID,
	})
}

func wantsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
