// Package reconcile merges realtime and fallback presence into the shared
// status cache. The Reconciler is the cache's only writer: it applies the
// precedence rules, mounts UI contexts onto the realtime channel or the
// shared poller, and notifies listeners of accepted changes.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxdesk/extwatch/internal/cache"
	"github.com/voxdesk/extwatch/internal/listeners"
	"github.com/voxdesk/extwatch/internal/poller"
	"github.com/voxdesk/extwatch/internal/presence"
	"github.com/voxdesk/extwatch/internal/protocol"
	"github.com/voxdesk/extwatch/internal/realtime"
)

// DefaultTieWindow is how close two observations must be for source
// precedence to decide between them instead of timestamps.
const DefaultTieWindow = time.Second

// StatusNamespace prefixes presence entries in the durable store.
const StatusNamespace = "presence:"

// ErrClosed is returned by Mount after Close or Halt.
var ErrClosed = errors.New("reconcile: closed")

// AuthExpirer is told when any source reports expired credentials.
type AuthExpirer interface {
	Expire(reason error)
}

// Options configures a Reconciler.
type Options struct {
	Fetcher presence.SnapshotFetcher
	Cache   *cache.Cache[presence.StatusSnapshot]

	// Realtime enables push subscriptions; nil means every mount polls.
	Realtime *realtime.Options

	PollInterval time.Duration
	TieWindow    time.Duration

	Expirer AuthExpirer
	Meter   metric.Meter
	Now     func() time.Time
	Log     zerolog.Logger
}

// NewStatusCache creates the presence cache with the change-detection
// fingerprint the Reconciler relies on.
func NewStatusCache(store cache.Store, ttl time.Duration, log zerolog.Logger) *cache.Cache[presence.StatusSnapshot] {
	return cache.New(cache.Options[presence.StatusSnapshot]{
		Namespace:   StatusNamespace,
		Store:       store,
		TTL:         ttl,
		Fingerprint: presence.Fingerprint,
		Log:         log,
	})
}

// Reconciler is the single writer of the status cache.
type Reconciler struct {
	cache    *cache.Cache[presence.StatusSnapshot]
	fetcher  presence.SnapshotFetcher
	registry *listeners.Registry
	poller   *poller.Poller
	channels *realtime.Manager
	expirer  AuthExpirer
	metrics  metrics
	tie      time.Duration
	now      func() time.Time
	log      zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	pollCtl chan struct{}
	ctlDone chan struct{}

	mu         sync.Mutex
	mounts     map[uint64]*mount
	nextMount  uint64
	pollClaims int
	halted     bool

	// pending holds accepted changes in version order until delivered.
	pending    []listeners.Change
	delivering bool
}

type mount struct {
	id      uint64
	context string
	exts    []string
	ownerID string

	// guarded by Reconciler.mu
	lease    *realtime.Lease
	claimed  bool
	disposed bool

	unsubscribe func()
	stopAfter   func() bool
}

// New creates a Reconciler and starts its poller controller.
func New(opts Options) (*Reconciler, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("reconcile: fetcher required")
	}
	if opts.Cache == nil {
		return nil, errors.New("reconcile: cache required")
	}
	if opts.TieWindow <= 0 {
		opts.TieWindow = DefaultTieWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		cache:    opts.Cache,
		fetcher:  opts.Fetcher,
		registry: listeners.New(),
		expirer:  opts.Expirer,
		metrics:  newMetrics(opts.Meter),
		tie:      opts.TieWindow,
		now:      opts.Now,
		log:      opts.Log.With().Str("component", "reconciler").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		pollCtl:  make(chan struct{}, 1),
		ctlDone:  make(chan struct{}),
		mounts:   make(map[uint64]*mount),
	}

	p, err := poller.New(poller.Config{
		Interval:      opts.PollInterval,
		Extensions:    r.pollFilter,
		OnAuthExpired: r.authExpired,
		Confirm:       r.applySnapshot,
	}, opts.Fetcher, r.applySnapshot, opts.Log)
	if err != nil {
		cancel()
		return nil, err
	}
	r.poller = p

	if opts.Realtime != nil {
		rt := *opts.Realtime
		rt.OnAuthExpired = r.authExpired
		if rt.Now == nil {
			rt.Now = opts.Now
		}
		r.channels = realtime.NewManager(rt, r)
	}

	go r.controlPoller()
	return r, nil
}

// Channels returns the realtime manager, or nil when realtime is disabled.
func (r *Reconciler) Channels() *realtime.Manager { return r.channels }

// Polling reports whether the shared poller is running.
func (r *Reconciler) Polling() bool { return r.poller.Running() }

// Subscribe registers a listener outside any mount.
func (r *Reconciler) Subscribe(fn listeners.Func) (unsubscribe func()) {
	return r.registry.Add(fn)
}

// ═══════════════════════════════════════════════════════════════════════════
// MOUNTS
// ═══════════════════════════════════════════════════════════════════════════

// MountOptions describes one UI surface attaching to presence.
type MountOptions struct {
	Context    string
	Extensions []string // empty means every extension (polling only)
	OwnerID    string
	Listener   listeners.Func
}

// Disposer releases a mount. It is idempotent.
type Disposer func()

// Mount attaches a UI context. Realtime is attempted once if the gating
// policy allows it; otherwise, or if the channel cannot be established,
// the mount claims the shared poller. A mount whose channel later degrades
// claims the poller at that point. Cancelling ctx disposes the mount.
func (r *Reconciler) Mount(ctx context.Context, opts MountOptions) (Disposer, error) {
	m := &mount{
		context: opts.Context,
		exts:    normalize(opts.Extensions),
		ownerID: opts.OwnerID,
	}

	r.mu.Lock()
	if r.halted {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.nextMount++
	m.id = r.nextMount
	r.mounts[m.id] = m
	r.mu.Unlock()

	if opts.Listener != nil {
		m.unsubscribe = r.registry.Add(opts.Listener)
	}
	r.metrics.mounted(1)

	log := r.log.With().Str("context", m.context).Uint64("mount", m.id).Logger()

	viaRealtime := false
	if r.channels != nil && len(m.exts) > 0 && r.channels.ShouldActivate(m.context) {
		lease, err := r.channels.Start(ctx, m.context, m.exts, m.ownerID)
		switch {
		case err == nil:
			viaRealtime = r.attachLease(m, lease)
		case presence.IsAuthExpired(err):
			r.authExpired(err)
		default:
			log.Warn().Err(err).Msg("realtime unavailable, falling back to polling")
		}
	}
	if !viaRealtime {
		r.claimPoller(m)
	}

	dispose := func() { r.dispose(m) }
	m.stopAfter = context.AfterFunc(ctx, dispose)

	log.Debug().Bool("realtime", viaRealtime).Strs("extensions", m.exts).Msg("mounted")
	return dispose, nil
}

// attachLease records the lease and reports whether the channel is still
// usable; a lease that degraded before it was recorded is released.
func (r *Reconciler) attachLease(m *mount, lease *realtime.Lease) bool {
	r.mu.Lock()
	if m.disposed {
		r.mu.Unlock()
		lease.Stop()
		return true
	}
	m.lease = lease
	r.mu.Unlock()

	switch lease.State() {
	case realtime.Degraded, realtime.Stopped:
		return false
	}
	return true
}

func (r *Reconciler) dispose(m *mount) {
	r.mu.Lock()
	if m.disposed {
		r.mu.Unlock()
		return
	}
	m.disposed = true
	delete(r.mounts, m.id)
	lease := m.lease
	m.lease = nil
	if m.claimed {
		m.claimed = false
		r.pollClaims--
	}
	r.mu.Unlock()

	if m.stopAfter != nil {
		m.stopAfter()
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if lease != nil {
		lease.Stop()
		// Fallback data rejected while the channel covered these
		// extensions must be re-applied.
		r.poller.Reset()
	}
	r.metrics.mounted(-1)
	r.signalPoller()

	r.log.Debug().Str("context", m.context).Uint64("mount", m.id).Msg("unmounted")
}

// claimPoller makes m a fallback consumer. Each mount claims at most once.
func (r *Reconciler) claimPoller(m *mount) {
	r.mu.Lock()
	if m.claimed || m.disposed || r.halted {
		r.mu.Unlock()
		return
	}
	m.claimed = true
	r.pollClaims++
	r.mu.Unlock()

	// Previously rejected fallback data may now be authoritative.
	r.poller.Reset()
	r.signalPoller()
}

// pollFilter is the union of the claiming mounts' extensions; nil (all)
// if any claiming mount watches everything.
func (r *Reconciler) pollFilter() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var union []string
	for _, m := range r.mounts {
		if !m.claimed {
			continue
		}
		if len(m.exts) == 0 {
			return nil
		}
		union = append(union, m.exts...)
	}
	return normalize(union)
}

func (r *Reconciler) signalPoller() {
	select {
	case r.pollCtl <- struct{}{}:
	default:
	}
}

// controlPoller owns the poller's lifecycle so Start and Stop are never
// called from a poll callback.
func (r *Reconciler) controlPoller() {
	defer close(r.ctlDone)
	for {
		select {
		case <-r.ctx.Done():
			r.poller.Stop()
			return
		case <-r.pollCtl:
		}

		r.mu.Lock()
		want := r.pollClaims > 0 && !r.halted
		r.mu.Unlock()

		switch running := r.poller.Running(); {
		case want && !running:
			if err := r.poller.Start(r.ctx); err != nil && !errors.Is(err, poller.ErrRunning) {
				r.log.Warn().Err(err).Msg("failed to start poller")
			}
		case want && running:
			// A new claimant should not wait a full interval.
			go r.poller.PollOnce(r.ctx)
		case !want && running:
			r.poller.Stop()
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// SOURCES
// ═══════════════════════════════════════════════════════════════════════════

// ApplyRealtime implements realtime.Sink.
func (r *Reconciler) ApplyRealtime(ev protocol.PushEvent, receivedAt time.Time) {
	st, err := presence.FromEvent(ev, receivedAt)
	if err != nil {
		r.log.Warn().Err(err).Msg("dropping push event")
		return
	}
	r.apply(string(st.Source), []presence.StatusSnapshot{st})
}

// ChannelState implements realtime.Sink. A mount whose channel degrades or
// dies claims the poller.
func (r *Reconciler) ChannelState(change realtime.StateChange) {
	if change.State != realtime.Degraded && change.State != realtime.Stopped {
		return
	}

	r.mu.Lock()
	var affected []*mount
	for _, m := range r.mounts {
		if m.lease != nil && m.lease.ID() == change.SubscriptionID {
			affected = append(affected, m)
		}
	}
	r.mu.Unlock()

	if len(affected) > 0 {
		r.poller.Reset()
		r.signalPoller()
	}
	for _, m := range affected {
		r.log.Info().Str("context", m.context).Uint64("mount", m.id).Str("state", change.State.String()).Msg("channel unavailable, polling")
		r.claimPoller(m)
	}
}

func (r *Reconciler) applySnapshot(_ context.Context, snap *presence.Snapshot) {
	r.apply(string(presence.SourceFallback), snap.Statuses())
}

// Refresh fetches immediately, bypassing the poller's in-flight guard, and
// applies the result like a poll. It returns the extensions that changed.
func (r *Reconciler) Refresh(ctx context.Context, extensions []string) ([]string, error) {
	snap, err := r.fetcher.Fetch(ctx, extensions)
	if err != nil {
		if presence.IsAuthExpired(err) {
			r.authExpired(err)
		}
		return nil, err
	}
	return r.apply("refresh", snap.Statuses()), nil
}

// apply runs a batch through the precedence rules, writes accepted
// updates and notifies listeners once. It returns the changed extensions.
// Notifications are delivered in version order; when another goroutine is
// already delivering, this batch's change is handed to it.
func (r *Reconciler) apply(source string, updates []presence.StatusSnapshot) []string {
	r.mu.Lock()
	if r.halted {
		r.mu.Unlock()
		return nil
	}
	var changed []string
	for _, st := range updates {
		if reason := r.rejectReason(st); reason != "" {
			r.metrics.reject(source, reason)
			r.log.Debug().Str("extension", st.ExtensionID).Str("source", string(st.Source)).Str("reason", reason).Msg("update rejected")
			continue
		}
		r.metrics.accept(source)
		if _, ok := r.cache.Put(st.ExtensionID, st); ok {
			changed = append(changed, st.ExtensionID)
		}
	}
	if len(changed) > 0 {
		sort.Strings(changed)
		r.pending = append(r.pending, listeners.Change{
			Extensions: changed,
			Version:    r.cache.Version(),
			Source:     source,
		})
	}
	deliver := len(r.pending) > 0 && !r.delivering
	if deliver {
		r.delivering = true
	}
	r.mu.Unlock()

	if deliver {
		r.deliver()
	}
	return changed
}

// deliver drains pending changes until none are left.
func (r *Reconciler) deliver() {
	for {
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		if len(batch) == 0 {
			r.delivering = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		for _, c := range batch {
			r.registry.Notify(c)
		}
	}
}

// rejectReason returns why st must not replace the cached status, or "".
// Must be called with r.mu held.
func (r *Reconciler) rejectReason(st presence.StatusSnapshot) string {
	if st.Source == presence.SourceFallback && r.channels != nil && r.channels.Covered(st.ExtensionID) {
		return reasonCovered
	}

	cur, ok := r.cache.Get(st.ExtensionID)
	if !ok || cur.Hydrated {
		return ""
	}
	prev := cur.Payload

	gap := st.ObservedAt.Sub(prev.ObservedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap <= r.tie {
		// Near-simultaneous observations are ranked by source, not clock.
		switch {
		case st.Source.Rank() < prev.Source.Rank():
			return reasonPrecedence
		case st.Source.Rank() > prev.Source.Rank():
			return ""
		}
	}
	if st.ObservedAt.Before(prev.ObservedAt) {
		return reasonStale
	}
	return ""
}

// ═══════════════════════════════════════════════════════════════════════════
// READ PATH
// ═══════════════════════════════════════════════════════════════════════════

// Status returns the cached status of ext.
func (r *Reconciler) Status(ext string) (cache.Entry[presence.StatusSnapshot], bool) {
	return r.cache.Get(ext)
}

// Statuses returns cached entries for exts, or every entry when exts is empty.
func (r *Reconciler) Statuses(exts []string) []cache.Entry[presence.StatusSnapshot] {
	if len(exts) == 0 {
		return r.cache.Entries()
	}
	out := make([]cache.Entry[presence.StatusSnapshot], 0, len(exts))
	for _, ext := range normalize(exts) {
		if e, ok := r.cache.Get(ext); ok {
			out = append(out, e)
		}
	}
	return out
}

// Aggregate summarises cached presence.
type Aggregate struct {
	Online     int       `json:"onlineCount"`
	Total      int       `json:"totalExtensions"`
	LastUpdate time.Time `json:"lastUpdate"`
	Version    uint64    `json:"version"`
}

// Aggregate computes online and total counts over the cache.
func (r *Reconciler) Aggregate() Aggregate {
	var a Aggregate
	for _, e := range r.cache.Entries() {
		a.Total++
		if e.Payload.IsOnline {
			a.Online++
		}
		if e.Payload.ObservedAt.After(a.LastUpdate) {
			a.LastUpdate = e.Payload.ObservedAt
		}
	}
	a.Version = r.cache.Version()
	return a
}

// ═══════════════════════════════════════════════════════════════════════════
// SHUTDOWN
// ═══════════════════════════════════════════════════════════════════════════

func (r *Reconciler) authExpired(err error) {
	r.log.Warn().Err(err).Msg("credentials expired")
	if r.expirer != nil {
		r.expirer.Expire(err)
		return
	}
	r.Halt()
}

// Halt stops every channel and the poller and rejects further updates and
// mounts. Existing disposers stay safe to call. Used on session expiry.
func (r *Reconciler) Halt() {
	r.mu.Lock()
	if r.halted {
		r.mu.Unlock()
		return
	}
	r.halted = true
	r.mu.Unlock()

	if r.channels != nil {
		r.channels.Close()
	}
	r.signalPoller()
	r.log.Info().Msg("reconciler halted")
}

// Close halts the reconciler and waits for the poller to stop.
func (r *Reconciler) Close() {
	r.Halt()
	r.cancel()
	<-r.ctlDone
}

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
