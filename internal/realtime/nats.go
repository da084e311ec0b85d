package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/voxdesk/extwatch/internal/presence"
	"github.com/voxdesk/extwatch/internal/protocol"
)

// DefaultNATSSubject is the subject prefix the PBX bridge publishes under.
const DefaultNATSSubject = "pbx.presence"

// ConnectNATS connects to a NATS server that relays PBX presence. The
// connection reconnects on its own; an authorization failure maps to
// presence.ErrUnauthorized.
func ConnectNATS(url string, tokens presence.TokenSource, log zerolog.Logger) (*nats.Conn, error) {
	log = log.With().Str("component", "push-nats").Logger()

	opts := []nats.Option{
		nats.Name("extwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if tokens != nil {
		token, err := tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("load token: %w", err)
		}
		if token != "" {
			opts = append(opts, nats.Token(token))
		}
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) {
			return nil, fmt.Errorf("%w: %v", presence.ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("connect NATS: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
	return nc, nil
}

// NATSTransport receives presence from NATS subjects "<prefix>.<extension>"
// and liveness from "<prefix>.heartbeat". Subscribing also publishes the
// request on "<prefix>.subscribe" so the bridge can scope what it relays.
type NATSTransport struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// NewNATSTransport creates a transport on an existing connection.
func NewNATSTransport(nc *nats.Conn, prefix string, log zerolog.Logger) *NATSTransport {
	if prefix == "" {
		prefix = DefaultNATSSubject
	}
	return &NATSTransport{
		nc:     nc,
		prefix: strings.TrimSuffix(prefix, "."),
		log:    log.With().Str("component", "push-nats").Logger(),
	}
}

func (t *NATSTransport) heartbeatSubject() string { return t.prefix + ".heartbeat" }
func (t *NATSTransport) subscribeSubject() string { return t.prefix + ".subscribe" }

// Subscribe opens one NATS subscription per extension plus the heartbeat subject.
func (t *NATSTransport) Subscribe(ctx context.Context, req protocol.SubscribeRequest) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.nc.IsClosed() {
		if errors.Is(t.nc.LastError(), nats.ErrAuthorization) {
			return nil, presence.ErrUnauthorized
		}
		return nil, nats.ErrConnectionClosed
	}

	for _, ext := range req.Extensions {
		if !presence.ValidExtension(ext) {
			return nil, fmt.Errorf("realtime: invalid extension %q for subject", ext)
		}
	}

	s := &natsStream{baseStream: newBaseStream()}

	subscribe := func(subject string, handler nats.MsgHandler) error {
		sub, err := t.nc.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
		return nil
	}

	if err := subscribe(t.heartbeatSubject(), func(*nats.Msg) {
		s.deliver(heartbeat)
	}); err != nil {
		_ = s.Close()
		return nil, err
	}

	for _, ext := range req.Extensions {
		err := subscribe(t.prefix+"."+ext, func(msg *nats.Msg) {
			var ev protocol.PushEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				t.log.Warn().Err(err).Str("subject", msg.Subject).Msg("failed to parse push message")
				return
			}
			if ev.Extension == "" {
				ev.Extension = ext
			}
			s.deliver(ev)
		})
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	data, err := json.Marshal(req)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := t.nc.Publish(t.subscribeSubject(), data); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("publish subscription: %w", err)
	}
	if err := t.nc.FlushTimeout(handshakeTimeout); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	t.log.Debug().Str("context", req.Context).Strs("extensions", req.Extensions).Msg("subscribed")
	return s, nil
}

type natsStream struct {
	*baseStream
	subs []*nats.Subscription
}

// Close unsubscribes every subject.
func (s *natsStream) Close() error {
	s.end(nil)
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	s.subs = nil
	return errors.Join(errs...)
}
