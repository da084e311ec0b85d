package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxdesk/extwatch/internal/presence"
	"github.com/voxdesk/extwatch/internal/protocol"
)

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// WebSocketTransport subscribes over the PBX push websocket. After the
// handshake it sends one SubscribeRequest frame; the server then streams
// PushEvent frames.
type WebSocketTransport struct {
	url    string
	tokens presence.TokenSource
	dialer websocket.Dialer
	log    zerolog.Logger

	// PingInterval overrides the client ping cadence (tests).
	PingInterval time.Duration
}

// NewWebSocketTransport creates a transport for the push endpoint at url.
func NewWebSocketTransport(url string, tokens presence.TokenSource, log zerolog.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		url:    url,
		tokens: tokens,
		dialer: websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		log:          log.With().Str("component", "push-websocket").Logger(),
		PingInterval: pingInterval,
	}
}

// Subscribe dials the push endpoint and sends the subscription frame.
// A 401 handshake response yields presence.ErrUnauthorized.
func (t *WebSocketTransport) Subscribe(ctx context.Context, req protocol.SubscribeRequest) (Stream, error) {
	header := http.Header{}
	if t.tokens != nil {
		token, err := t.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("load token: %w", err)
		}
		if token == "" {
			return nil, fmt.Errorf("%w: no stored credentials", presence.ErrUnauthorized)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, presence.ErrUnauthorized
		}
		return nil, fmt.Errorf("dial push channel: %w", err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send subscription: %w", err)
	}

	s := &wsStream{baseStream: newBaseStream(), conn: conn, log: t.log.With().Str("context", req.Context).Logger()}
	s.configure()
	go s.readLoop()
	go s.pingLoop(t.PingInterval)

	t.log.Debug().Str("context", req.Context).Strs("extensions", req.Extensions).Msg("subscribed")
	return s, nil
}

type wsStream struct {
	*baseStream
	conn *websocket.Conn
	log  zerolog.Logger
}

var heartbeat = protocol.PushEvent{Type: protocol.TypeHeartbeat}

// configure makes control frames count as liveness.
func (s *wsStream) configure() {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.deliver(heartbeat)
		return nil
	})
	s.conn.SetPingHandler(func(data string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.deliver(heartbeat)
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
}

// readLoop reads frames until the connection fails or is closed.
func (s *wsStream) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("read error")
			}
			s.end(fmt.Errorf("push channel read: %w", err))
			_ = s.conn.Close()
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var ev protocol.PushEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn().Err(err).Str("data", string(data)).Msg("failed to parse push frame")
			continue
		}
		if !s.deliver(ev) {
			return
		}
	}
}

// pingLoop sends periodic pings until the stream ends.
func (s *wsStream) pingLoop(interval time.Duration) {
	if interval <= 0 {
		interval = pingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// Close sends a close frame and tears the connection down.
func (s *wsStream) Close() error {
	if !s.end(nil) {
		return nil
	}
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe"),
		time.Now().Add(writeWait),
	)
	return s.conn.Close()
}
