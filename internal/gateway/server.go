// Package gateway exposes the voice websocket endpoint plus a small
// read-only HTTP API for sessions and bus statistics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/vox/internal/bus"
	"github.com/basket/vox/internal/conversation"
	"github.com/basket/vox/internal/otel"
	"github.com/basket/vox/internal/persistence"
	"github.com/basket/vox/internal/shared"
)

// Config holds the gateway dependencies.
type Config struct {
	Hooks conversation.Hooks
	Bus   *bus.Bus
	Store *persistence.Store

	// AuthToken, when set, is required as a Bearer token on every
	// endpoint except /healthz.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in
	// /healthz.
	ConfigFingerprint string

	Logger *slog.Logger
}

// Server is the HTTP/websocket front of voxd.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		conns:  map[*wsConn]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/sessions/", s.handleSessionTurns)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if _, err := s.cfg.Store.GetSession(r.Context(), "healthz-probe"); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			dbOK = false
		}
	}
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"config":      s.cfg.ConfigFingerprint,
		"connections": s.connCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	stats := s.cfg.Bus.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_events":                 stats.TotalEvents,
		"events_per_second":            stats.EventsPerSecond,
		"average_processing_time_usec": stats.AverageProcessingTime.Microseconds(),
		"error_count":                  stats.ErrorCount,
		"subscriber_count":             stats.SubscriberCount,
	})
}

// handleSessionTurns serves GET /api/sessions/{id}/turns.
func (s *Server) handleSessionTurns(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet || s.cfg.Store == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	sessionID, tail, ok := strings.Cut(rest, "/")
	if !ok || tail != "turns" || sessionID == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if _, err := s.cfg.Store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	turns, err := s.cfg.Store.Turns(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"session_id": sessionID, "turns": turns})
}

func (s *Server) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) addConn(c *wsConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeConn(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// inboundFrame is a message from the voice client.
type inboundFrame struct {
	Type      string `json:"type"` // setup, prompt, interrupt, end
	SessionID string `json:"session_id,omitempty"`
	Caller    string `json:"caller,omitempty"`
	Text      string `json:"text,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// outboundFrame is a message to the voice client.
type outboundFrame struct {
	Type      string         `json:"type"` // ready, token, end, error
	SessionID string         `json:"session_id,omitempty"`
	Text      string         `json:"text,omitempty"`
	Final     bool           `json:"final,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// wsConn is one websocket connection carrying one conversation.
type wsConn struct {
	conn *websocket.Conn
	ctx  context.Context

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	ended     bool
}

func (c *wsConn) write(frame outboundFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, frame)
}

// SendToken implements conversation.Transport.
func (c *wsConn) SendToken(text string, final bool) error {
	return c.write(outboundFrame{Type: "token", Text: text, Final: final})
}

// End implements conversation.Transport.
func (c *wsConn) End(payload map[string]any) error {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
	return c.write(outboundFrame{Type: "end", Payload: payload})
}

func (c *wsConn) session() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.sessionID != "" && !c.ended
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket
		// library; the allowlist covers cross-origin clients.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	c := &wsConn{conn: conn, ctx: ctx}
	s.addConn(c)
	s.logger.Info("ws: client connected", "trace_id", shared.TraceID(ctx))
	defer func() {
		s.removeConn(c)
		// A dropped line ends the conversation like a hangup.
		if id, live := c.session(); live {
			endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.cfg.Hooks.OnEnd(endCtx, id, map[string]any{"reason": "disconnect"}); err != nil {
				s.logger.Warn("ws: end on disconnect failed", "session_id", id, "error", err)
			}
			cancel()
		}
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		if err := s.handleFrame(ctx, c, frame); err != nil {
			s.logger.Warn("ws: frame rejected", "type", frame.Type, "error", err)
			if werr := c.write(outboundFrame{Type: "error", Error: err.Error()}); werr != nil {
				return
			}
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, c *wsConn, frame inboundFrame) error {
	ctx, span := otel.StartServerSpan(ctx, "ws."+frame.Type)
	defer span.End()
	switch frame.Type {
	case "setup":
		c.mu.Lock()
		if c.sessionID != "" {
			c.mu.Unlock()
			return errors.New("connection already has a session")
		}
		id := frame.SessionID
		if id == "" {
			id = uuid.NewString()
		}
		c.sessionID = id
		c.mu.Unlock()

		ctx = shared.WithSessionID(ctx, id)
		if err := s.cfg.Hooks.OnSetup(ctx, conversation.Setup{
			SessionID: id,
			Caller:    frame.Caller,
			Transport: c,
		}); err != nil {
			c.mu.Lock()
			c.sessionID = ""
			c.mu.Unlock()
			return err
		}
		return c.write(outboundFrame{Type: "ready", SessionID: id})

	case "prompt":
		id, live := c.session()
		if !live {
			return errors.New("no active session")
		}
		return s.cfg.Hooks.OnPrompt(shared.WithSessionID(ctx, id), id, frame.Text)

	case "interrupt":
		id, live := c.session()
		if !live {
			return errors.New("no active session")
		}
		return s.cfg.Hooks.OnInterrupt(shared.WithSessionID(ctx, id), id)

	case "end":
		id, live := c.session()
		if !live {
			return errors.New("no active session")
		}
		reason := frame.Reason
		if reason == "" {
			reason = "caller_hangup"
		}
		return s.cfg.Hooks.OnEnd(shared.WithSessionID(ctx, id), id, map[string]any{"reason": reason})

	default:
		return errors.New("unknown frame type " + frame.Type)
	}
}
