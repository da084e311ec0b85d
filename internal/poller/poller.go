// Package poller runs the fallback presence poll: a clock-driven snapshot
// fetch that only propagates a snapshot when its canonical form changed.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxdesk/extwatch/internal/presence"
)

// DefaultInterval is the poll cadence when none is configured.
const DefaultInterval = 6 * time.Second

// ErrRunning is returned by Start on a poller that is already running.
var ErrRunning = errors.New("poller: already running")

// State is the poller lifecycle state.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Sink receives snapshots whose canonical form differs from the last one.
type Sink func(ctx context.Context, snap *presence.Snapshot)

// Config is the minimal runtime config the poller needs.
type Config struct {
	Interval time.Duration

	// Extensions supplies the filter for each fetch; nil or an empty
	// result fetches every extension.
	Extensions func() []string

	// OnAuthExpired is called once the poller has stopped itself because
	// the fetcher reported expired credentials. It may call Stop.
	OnAuthExpired func(error)

	// Confirm, if set, receives snapshots identical to the last propagated
	// one. They carry no change but prove the cached values are current.
	Confirm Sink
}

// Result describes one poll cycle.
type Result struct {
	Skipped  bool // a previous fetch was still outstanding
	Changed  bool // the snapshot was handed to the sink
	Snapshot *presence.Snapshot
	Err      error
}

// Poller periodically fetches snapshots. At most one fetch is in flight.
type Poller struct {
	cfg     Config
	fetcher presence.SnapshotFetcher
	sink    Sink
	log     zerolog.Logger

	mu             sync.Mutex
	state          State
	cancel         context.CancelFunc
	done           chan struct{}
	lastSerialized string

	inFlight atomic.Bool
	skipped  atomic.Uint64
}

// New creates a stopped poller.
func New(cfg Config, fetcher presence.SnapshotFetcher, sink Sink, log zerolog.Logger) (*Poller, error) {
	if fetcher == nil {
		return nil, errors.New("poller: fetcher required")
	}
	if sink == nil {
		return nil, errors.New("poller: sink required")
	}
	if cfg.Interval < 0 {
		return nil, errors.New("poller: interval must be > 0")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	return &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		sink:    sink,
		log:     log.With().Str("component", "poller").Logger(),
	}, nil
}

// Start begins polling: one poll immediately, then one per interval, until
// Stop, ctx cancellation or credential expiry.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Running {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.state = Running
	p.cancel = cancel
	p.done = done

	go p.run(ctx, cancel, done)

	p.log.Debug().Dur("interval", p.cfg.Interval).Msg("poller started")
	return nil
}

// Stop cancels any in-flight fetch, stops the ticker and waits for the
// loop to exit. It is safe to call on a stopped poller.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.state != Running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.state = Stopped
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	cancel()
	<-done
	p.log.Debug().Msg("poller stopped")
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == Running
}

// Skipped returns how many cycles were skipped because a fetch was outstanding.
func (p *Poller) Skipped() uint64 {
	return p.skipped.Load()
}

// Reset forgets the last serialized snapshot so the next successful poll
// is propagated even if nothing changed upstream.
func (p *Poller) Reset() {
	p.mu.Lock()
	p.lastSerialized = ""
	p.mu.Unlock()
}

// PollOnce performs exactly one poll cycle unless a fetch is already in
// flight, in which case the cycle is skipped.
func (p *Poller) PollOnce(ctx context.Context) Result {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		p.log.Debug().Msg("previous fetch still outstanding, skipping tick")
		return Result{Skipped: true}
	}
	defer p.inFlight.Store(false)

	var filter []string
	if p.cfg.Extensions != nil {
		filter = p.cfg.Extensions()
	}

	snap, err := p.fetcher.Fetch(ctx, filter)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Result{Err: ctx.Err()}
		case presence.IsAuthExpired(err):
			p.log.Warn().Err(err).Msg("credentials rejected, stopping poller")
		default:
			p.log.Debug().Err(err).Msg("poll failed, retrying next tick")
		}
		return Result{Err: err}
	}

	serialized := snap.Serialize()
	p.mu.Lock()
	unchanged := serialized == p.lastSerialized
	if !unchanged {
		p.lastSerialized = serialized
	}
	p.mu.Unlock()

	// A stopped poller must not deliver anything.
	if ctx.Err() != nil {
		return Result{Snapshot: snap, Err: ctx.Err()}
	}
	if unchanged {
		if p.cfg.Confirm != nil {
			p.cfg.Confirm(ctx, snap)
		}
		return Result{Snapshot: snap}
	}

	p.sink(ctx, snap)
	return Result{Changed: true, Snapshot: snap}
}

func (p *Poller) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	expiredErr := p.loop(ctx)
	cancel()

	p.mu.Lock()
	if p.done == done {
		p.state = Stopped
		p.cancel = nil
		p.done = nil
	}
	p.mu.Unlock()
	close(done)

	if expiredErr != nil && p.cfg.OnAuthExpired != nil {
		p.cfg.OnAuthExpired(expiredErr)
	}
}

// loop ticks until ctx ends or a poll reports expired credentials, which
// it returns. Polls run off the loop goroutine so a slow fetch makes later
// ticks skip instead of queueing.
func (p *Poller) loop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	expired := make(chan error, 1)
	tick := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := p.PollOnce(ctx)
			if res.Err != nil && presence.IsAuthExpired(res.Err) {
				select {
				case expired <- res.Err:
				default:
				}
			}
		}()
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-expired:
			return err
		case <-ticker.C:
			tick()
		}
	}
}
