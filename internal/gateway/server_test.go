package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/vox/internal/bus"
	"github.com/basket/vox/internal/conversation"
	"github.com/basket/vox/internal/persistence"
)

// recordingHooks captures hook invocations and keeps the transport.
type recordingHooks struct {
	mu         sync.Mutex
	setups     []conversation.Setup
	prompts    []string
	interrupts int
	ends       []map[string]any
	setupErr   error
}

func (h *recordingHooks) OnSetup(ctx context.Context, setup conversation.Setup) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.setupErr != nil {
		return h.setupErr
	}
	h.setups = append(h.setups, setup)
	return nil
}

func (h *recordingHooks) OnPrompt(ctx context.Context, sessionID, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prompts = append(h.prompts, text)
	return nil
}

func (h *recordingHooks) OnInterrupt(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interrupts++
	return nil
}

func (h *recordingHooks) OnEnd(ctx context.Context, sessionID string, payload map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ends = append(h.ends, payload)
	// Mirror the conversation agent: End the transport on hangup.
	for _, s := range h.setups {
		if s.SessionID == sessionID {
			return s.Transport.End(payload)
		}
	}
	return nil
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.Bus == nil {
		cfg.Bus = bus.New(bus.Options{})
	}
	srv := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) outboundFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame outboundFrame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame inboundFrame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestWS_SetupPromptEnd(t *testing.T) {
	hooks := &recordingHooks{}
	srv := newTestServer(t, Config{Hooks: hooks})
	conn := dialWS(t, srv, "")
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeFrame(t, conn, inboundFrame{Type: "setup", SessionID: "s1", Caller: "+15550001111"})
	ready := readFrame(t, conn)
	if ready.Type != "ready" || ready.SessionID != "s1" {
		t.Fatalf("ready frame = %+v", ready)
	}

	writeFrame(t, conn, inboundFrame{Type: "prompt", Text: "hello"})
	writeFrame(t, conn, inboundFrame{Type: "interrupt"})
	writeFrame(t, conn, inboundFrame{Type: "end", Reason: "caller_hangup"})

	end := readFrame(t, conn)
	if end.Type != "end" || end.Payload["reason"] != "caller_hangup" {
		t.Fatalf("end frame = %+v", end)
	}

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.setups) != 1 || hooks.setups[0].Caller != "+15550001111" {
		t.Fatalf("setups = %+v", hooks.setups)
	}
	if len(hooks.prompts) != 1 || hooks.prompts[0] != "hello" {
		t.Fatalf("prompts = %v", hooks.prompts)
	}
	if hooks.interrupts != 1 {
		t.Fatalf("interrupts = %d", hooks.interrupts)
	}
	if len(hooks.ends) != 1 {
		t.Fatalf("ends = %v", hooks.ends)
	}
}

func TestWS_GeneratesSessionID(t *testing.T) {
	hooks := &recordingHooks{}
	srv := newTestServer(t, Config{Hooks: hooks})
	conn := dialWS(t, srv, "")
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeFrame(t, conn, inboundFrame{Type: "setup"})
	ready := readFrame(t, conn)
	if ready.Type != "ready" || ready.SessionID == "" {
		t.Fatalf("ready frame = %+v", ready)
	}
}

func TestWS_TransportDeliversTokens(t *testing.T) {
	hooks := &recordingHooks{}
	srv := newTestServer(t, Config{Hooks: hooks})
	conn := dialWS(t, srv, "")
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeFrame(t, conn, inboundFrame{Type: "setup", SessionID: "s1"})
	readFrame(t, conn)

	hooks.mu.Lock()
	tr := hooks.setups[0].Transport
	hooks.mu.Unlock()
	if err := tr.SendToken("Hi", false); err != nil {
		t.Fatalf("SendToken: %v", err)
	}
	if err := tr.SendToken("", true); err != nil {
		t.Fatalf("SendToken final: %v", err)
	}

	tok := readFrame(t, conn)
	if tok.Type != "token" || tok.Text != "Hi" || tok.Final {
		t.Fatalf("token frame = %+v", tok)
	}
	fin := readFrame(t, conn)
	if fin.Type != "token" || !fin.Final {
		t.Fatalf("final frame = %+v", fin)
	}
}

func TestWS_PromptWithoutSetupRejected(t *testing.T) {
	hooks := &recordingHooks{}
	srv := newTestServer(t, Config{Hooks: hooks})
	conn := dialWS(t, srv, "")
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeFrame(t, conn, inboundFrame{Type: "prompt", Text: "hello"})
	frame := readFrame(t, conn)
	if frame.Type != "error" {
		t.Fatalf("frame = %+v, want error", frame)
	}
}

func TestWS_UnknownFrameType(t *testing.T) {
	hooks := &recordingHooks{}
	srv := newTestServer(t, Config{Hooks: hooks})
	conn := dialWS(t, srv, "")
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeFrame(t, conn, inboundFrame{Type: "telepathy"})
	frame := readFrame(t, conn)
	if frame.Type != "error" {
		t.Fatalf("frame = %+v, want error", frame)
	}
}

func TestWS_AuthRequired(t *testing.T) {
	hooks := &recordingHooks{}
	srv := newTestServer(t, Config{Hooks: hooks, AuthToken: "secret"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("dial without token succeeded")
	}

	conn := dialWS(t, srv, "secret")
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, Config{Hooks: &recordingHooks{}, ConfigFingerprint: "cfg-abc"})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["healthy"] != true || body["config"] != "cfg-abc" {
		t.Fatalf("body = %v", body)
	}
}

func TestStats_RequiresAuth(t *testing.T) {
	srv := newTestServer(t, Config{Hooks: &recordingHooks{}, AuthToken: "secret"})

	resp, err := http.Get(srv.URL + "/api/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSessionTurnsEndpoint(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "vox.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if err := store.CreateSession(ctx, "s1", "+15550001111"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	err = store.AppendTurn(ctx, persistence.TurnRecord{
		SessionID: "s1", Role: "user", Content: "hello", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}

	srv := newTestServer(t, Config{Hooks: &recordingHooks{}, Store: store})

	resp, err := http.Get(srv.URL + "/api/sessions/s1/turns")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		SessionID string                   `json:"session_id"`
		Turns     []persistence.TurnRecord `json:"turns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SessionID != "s1" || len(body.Turns) != 1 || body.Turns[0].Content != "hello" {
		t.Fatalf("body = %+v", body)
	}

	resp, err = http.Get(srv.URL + "/api/sessions/missing/turns")
	if err != nil {
		t.Fatalf("GET missing: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
