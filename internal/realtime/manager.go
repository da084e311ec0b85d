// Package realtime manages push-channel subscriptions: one per UI context,
// gated by policy, kept alive by a staleness watchdog and reconnected with
// exponential backoff.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/voxdesk/extwatch/internal/presence"
	"github.com/voxdesk/extwatch/internal/protocol"
)

// DefaultStaleAfter is how long a subscription may go without any frame
// before it is considered degraded.
const DefaultStaleAfter = 45 * time.Second

var (
	// ErrNotActivated is returned by Start for contexts the gating policy excludes.
	ErrNotActivated = errors.New("realtime: not activated for context")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("realtime: manager closed")
)

// Sink receives push events and subscription state changes. Calls come
// from subscription goroutines, never while the manager holds a lock.
type Sink interface {
	ApplyRealtime(ev protocol.PushEvent, receivedAt time.Time)
	ChannelState(change StateChange)
}

// Options configures a Manager.
type Options struct {
	Transport Transport

	// Contexts lists the UI contexts realtime is attempted for; "*" allows all.
	Contexts []string

	StaleAfter time.Duration

	// NewBackOff builds the reconnect policy for one outage. Nil uses an
	// exponential backoff from 1s to 60s that never gives up.
	NewBackOff func() backoff.BackOff

	// OnAuthExpired is called once a subscription stopped because the PBX
	// rejected our credentials while reconnecting.
	OnAuthExpired func(error)

	Now func() time.Time
	Log zerolog.Logger
}

// Lease is a caller's hold on a subscription. Subscriptions are shared by
// callers asking for the same context and extensions; the channel closes
// when the last lease is released or the subscription is replaced.
type Lease struct {
	m    *Manager
	sub  *subscription
	once sync.Once
}

// ID identifies the subscription this lease holds, as reported in StateChange.
func (l *Lease) ID() uint64 { return l.sub.id }

// Extensions returns the subscribed extension set.
func (l *Lease) Extensions() []string { return append([]string(nil), l.sub.extList...) }

// State returns the current state of the leased subscription.
func (l *Lease) State() State { return l.sub.getState() }

// Stop releases the lease. It only ever affects the subscription instance
// the lease was issued for, and is idempotent.
func (l *Lease) Stop() {
	l.once.Do(func() { l.m.release(l.sub) })
}

// Manager owns all push subscriptions.
type Manager struct {
	opts     Options
	sink     Sink
	log      zerolog.Logger
	allow    map[string]bool
	allowAll bool

	mu     sync.Mutex
	subs   map[string]*subscription
	nextID uint64
	closed bool
}

type subscription struct {
	id      uint64
	context string
	ownerID string
	exts    map[string]bool
	extList []string

	// guarded by Manager.mu
	refs   int
	cancel context.CancelFunc
	done   chan struct{}

	stateMu   sync.Mutex
	state     State
	lastFrame atomic.Int64 // unix nanos
}

// NewManager creates a manager delivering into sink.
func NewManager(opts Options, sink Sink) *Manager {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}

	m := &Manager{
		opts:  opts,
		sink:  sink,
		log:   opts.Log.With().Str("component", "realtime").Logger(),
		allow: make(map[string]bool),
		subs:  make(map[string]*subscription),
	}
	for _, c := range opts.Contexts {
		c = strings.TrimSpace(c)
		switch c {
		case "":
		case "*":
			m.allowAll = true
		default:
			m.allow[c] = true
		}
	}
	return m
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// ShouldActivate reports whether realtime is attempted for uiContext.
func (m *Manager) ShouldActivate(uiContext string) bool {
	return m.allowAll || m.allow[uiContext]
}

// ═══════════════════════════════════════════════════════════════════════════
// SUBSCRIPTION LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════

// Start establishes (or joins) the subscription for uiContext. An existing
// subscription with the same extension set is shared; one with a different
// set is replaced. The dial happens synchronously so a failure can be
// handled by the caller; presence.ErrUnauthorized is returned as such.
func (m *Manager) Start(ctx context.Context, uiContext string, extensions []string, ownerID string) (*Lease, error) {
	if !m.ShouldActivate(uiContext) {
		return nil, fmt.Errorf("%w: %s", ErrNotActivated, uiContext)
	}
	exts := normalize(extensions)
	if len(exts) == 0 {
		return nil, errors.New("realtime: no extensions to subscribe")
	}
	for _, e := range exts {
		if !presence.ValidExtension(e) {
			return nil, fmt.Errorf("realtime: invalid extension %q", e)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	var replaced *subscription
	if cur, ok := m.subs[uiContext]; ok {
		if equalSets(cur.extList, exts) && cur.getState() != Stopped {
			cur.refs++
			m.mu.Unlock()
			m.log.Debug().Str("context", uiContext).Uint64("subscription", cur.id).Msg("reusing subscription")
			return &Lease{m: m, sub: cur}, nil
		}
		replaced = cur
		delete(m.subs, uiContext)
	}

	m.nextID++
	sub := &subscription{
		id:      m.nextID,
		context: uiContext,
		ownerID: ownerID,
		exts:    make(map[string]bool, len(exts)),
		extList: exts,
		refs:    1,
		state:   Idle,
	}
	for _, e := range exts {
		sub.exts[e] = true
	}
	m.subs[uiContext] = sub
	m.mu.Unlock()

	if replaced != nil {
		m.log.Info().Str("context", uiContext).Uint64("old", replaced.id).Uint64("new", sub.id).Msg("replacing subscription")
		m.shutdown(replaced)
	}

	m.setState(sub, Connecting)
	stream, err := m.dial(ctx, sub)
	if err != nil {
		m.mu.Lock()
		if m.subs[uiContext] == sub {
			delete(m.subs, uiContext)
		}
		m.mu.Unlock()
		m.setState(sub, Stopped)

		if presence.IsAuthExpired(err) {
			m.log.Error().Err(err).Str("context", uiContext).Msg("push channel rejected credentials")
		} else {
			m.log.Warn().Err(err).Str("context", uiContext).Msg("push channel unavailable")
		}
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	if m.subs[uiContext] != sub {
		// Stopped or replaced while dialing.
		m.mu.Unlock()
		cancel()
		_ = stream.Close()
		m.setState(sub, Stopped)
		return nil, fmt.Errorf("realtime: subscription for %s superseded while connecting", uiContext)
	}
	sub.cancel = cancel
	sub.done = make(chan struct{})
	m.mu.Unlock()
	sub.touch(m.opts.Now())
	m.setState(sub, Active)

	go m.run(runCtx, sub, stream)

	m.log.Info().Str("context", uiContext).Uint64("subscription", sub.id).Int("extensions", len(exts)).Msg("push subscription active")
	return &Lease{m: m, sub: sub}, nil
}

// Stop tears down the subscription for uiContext regardless of leases.
func (m *Manager) Stop(uiContext string) {
	m.mu.Lock()
	sub, ok := m.subs[uiContext]
	if ok {
		delete(m.subs, uiContext)
	}
	m.mu.Unlock()

	if ok {
		m.shutdown(sub)
	}
}

// Close stops every subscription and rejects further Starts.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	for _, s := range subs {
		m.shutdown(s)
	}
}

// State returns the state of uiContext's subscription, Idle if there is none.
func (m *Manager) State(uiContext string) State {
	m.mu.Lock()
	sub, ok := m.subs[uiContext]
	m.mu.Unlock()
	if !ok {
		return Idle
	}
	return sub.getState()
}

// Subscriptions lists current subscriptions sorted by context.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	out := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, Subscription{
			ID:         s.id,
			Context:    s.context,
			Extensions: append([]string(nil), s.extList...),
			OwnerID:    s.ownerID,
			State:      s.getState(),
			LastFrame:  time.Unix(0, s.lastFrame.Load()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Context < out[j].Context })
	return out
}

// Covered reports whether an Active subscription includes ext.
func (m *Manager) Covered(ext string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.exts[ext] && s.getState() == Active {
			return true
		}
	}
	return false
}

func (m *Manager) release(sub *subscription) {
	m.mu.Lock()
	sub.refs--
	last := sub.refs <= 0 && m.subs[sub.context] == sub
	if last {
		delete(m.subs, sub.context)
	}
	m.mu.Unlock()

	if last {
		m.shutdown(sub)
	}
}

// shutdown cancels sub's goroutine, waits for it and reports Stopped.
func (m *Manager) shutdown(sub *subscription) {
	m.mu.Lock()
	cancel, done := sub.cancel, sub.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.setState(sub, Stopped)
	m.log.Debug().Str("context", sub.context).Uint64("subscription", sub.id).Msg("subscription stopped")
}

// ═══════════════════════════════════════════════════════════════════════════
// RUN LOOP
// ═══════════════════════════════════════════════════════════════════════════

func (m *Manager) dial(ctx context.Context, sub *subscription) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	return m.opts.Transport.Subscribe(ctx, protocol.SubscribeRequest{
		Context:    sub.context,
		Extensions: sub.extList,
		OwnerID:    sub.ownerID,
	})
}

func (m *Manager) run(ctx context.Context, sub *subscription, stream Stream) {
	authErr := m.loop(ctx, sub, stream)
	close(sub.done)

	if authErr == nil {
		return
	}
	m.mu.Lock()
	if m.subs[sub.context] == sub {
		delete(m.subs, sub.context)
	}
	m.mu.Unlock()
	m.setState(sub, Stopped)
	if m.opts.OnAuthExpired != nil {
		m.opts.OnAuthExpired(authErr)
	}
}

// loop consumes streams until ctx ends, reconnecting after each loss. It
// returns an error only when reconnecting was refused for credentials.
func (m *Manager) loop(ctx context.Context, sub *subscription, stream Stream) error {
	log := m.log.With().Str("context", sub.context).Uint64("subscription", sub.id).Logger()

	for {
		m.consume(ctx, sub, stream)
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("push channel lost")
		}
		_ = stream.Close()
		if ctx.Err() != nil {
			return nil
		}

		m.setState(sub, Degraded)

		var err error
		stream, err = m.reconnect(ctx, sub, log)
		if err != nil {
			if presence.IsAuthExpired(err) {
				log.Error().Err(err).Msg("reconnect rejected credentials")
				return err
			}
			return nil // ctx cancelled
		}
		sub.touch(m.opts.Now())
		m.setState(sub, Active)
		log.Info().Msg("push channel re-established")
	}
}

// consume reads stream until it ends or ctx is cancelled. A quiet stream
// is marked Degraded but kept open; any later frame restores Active.
func (m *Manager) consume(ctx context.Context, sub *subscription, stream Stream) {
	check := m.opts.StaleAfter / 3
	if check < time.Millisecond {
		check = time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stream.Done():
			return
		case ev := <-stream.Events():
			now := m.opts.Now()
			sub.touch(now)
			if sub.getState() == Degraded {
				m.setState(sub, Active)
			}
			if ev.IsHeartbeat() {
				continue
			}
			if !sub.exts[ev.Extension] {
				m.log.Debug().Str("context", sub.context).Str("extension", ev.Extension).Msg("ignoring event outside subscription")
				continue
			}
			if !ev.Valid() {
				m.log.Warn().Str("context", sub.context).Str("extension", ev.Extension).Str("status", ev.Status).Msg("ignoring malformed push event")
				continue
			}
			m.sink.ApplyRealtime(ev, now)
		case <-ticker.C:
			if sub.stale(m.opts.Now(), m.opts.StaleAfter) && sub.getState() == Active {
				m.log.Warn().Str("context", sub.context).Dur("quiet_for", m.opts.StaleAfter).Msg("push channel stale")
				m.setState(sub, Degraded)
			}
		}
	}
}

func (m *Manager) reconnect(ctx context.Context, sub *subscription, log zerolog.Logger) (Stream, error) {
	var stream Stream
	op := func() error {
		s, err := m.dial(ctx, sub)
		if err != nil {
			if presence.IsAuthExpired(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		stream = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Dur("backoff", wait).Msg("reconnect failed, retrying")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(m.opts.NewBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return stream, nil
}

// setState records s and reports it to the sink when it changed.
func (m *Manager) setState(sub *subscription, s State) {
	sub.stateMu.Lock()
	if sub.state == s {
		sub.stateMu.Unlock()
		return
	}
	sub.state = s
	sub.stateMu.Unlock()

	if m.sink != nil {
		m.sink.ChannelState(StateChange{
			Context:        sub.context,
			SubscriptionID: sub.id,
			State:          s,
			Extensions:     append([]string(nil), sub.extList...),
		})
	}
}

func (s *subscription) getState() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *subscription) touch(now time.Time) {
	s.lastFrame.Store(now.UnixNano())
}

func (s *subscription) stale(now time.Time, after time.Duration) bool {
	return now.Sub(time.Unix(0, s.lastFrame.Load())) > after
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func normalize(exts []string) []string {
	seen := make(map[string]bool, len(exts))
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
