package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxdesk/extwatch/internal/presence"
	"github.com/voxdesk/extwatch/internal/protocol"
)

const testToken = "test-token"

// pushServer is a mock PBX push endpoint.
type pushServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	reqs  []protocol.SubscribeRequest

	// rejectWith, when non-zero, fails the handshake with that status.
	rejectWith atomic.Int32
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	p := &pushServer{}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(func() {
		p.dropAll()
		p.srv.Close()
	})
	return p
}

func (p *pushServer) handle(w http.ResponseWriter, r *http.Request) {
	if code := p.rejectWith.Load(); code != 0 {
		http.Error(w, http.StatusText(int(code)), int(code))
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var req protocol.SubscribeRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.Close()
		return
	}
	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()

	// Keep reading so control frames are processed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (p *pushServer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *pushServer) requests() []protocol.SubscribeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.SubscribeRequest(nil), p.reqs...)
}

// send writes v to the most recent connection.
func (p *pushServer) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		t.Fatal("no push connection")
	}
	if err := p.conns[len(p.conns)-1].WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (p *pushServer) dropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		_ = c.Close()
	}
	p.conns = nil
}

// fakeSink records everything the manager reports.
type fakeSink struct {
	mu     sync.Mutex
	events []protocol.PushEvent
	states []StateChange
}

func (s *fakeSink) ApplyRealtime(ev protocol.PushEvent, _ time.Time) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *fakeSink) ChannelState(c StateChange) {
	s.mu.Lock()
	s.states = append(s.states, c)
	s.mu.Unlock()
}

func (s *fakeSink) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeSink) eventsCopy() []protocol.PushEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.PushEvent(nil), s.events...)
}

func (s *fakeSink) sawState(id uint64, st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.states {
		if c.SubscriptionID == id && c.State == st {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, p *pushServer, sink *fakeSink, mutate func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Transport:  NewWebSocketTransport(p.url(), presence.StaticToken(testToken), zerolog.Nop()),
		Contexts:   []string{"agents", "dashboard"},
		StaleAfter: time.Minute,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) },
		Log:        zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	m := NewManager(opts, sink)
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func strPtr(s string) *string { return &s }
