package agents

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxdesk/extwatch/internal/cache"
	"github.com/voxdesk/extwatch/internal/presence"
)

// Durable namespaces for the record cache and the extension index.
const (
	RecordNamespace = "agents:"
	IndexNamespace  = "agents-index:"
	indexKey        = "all"
)

// StatusReader looks up live presence for the overlay.
type StatusReader interface {
	Status(ext string) (cache.Entry[presence.StatusSnapshot], bool)
}

// AuthExpirer is told when the collaborator rejects our credentials.
type AuthExpirer interface {
	Expire(reason error)
}

// Service is the CRUD write path. Every successful mutation updates the
// record cache and the extension index so the next read reflects it.
type Service struct {
	client   Client
	records  *cache.Cache[Record]
	index    *cache.Cache[[]string]
	statuses StatusReader
	expirer  AuthExpirer
	log      zerolog.Logger
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Client   Client
	Store    cache.Store // nil keeps records in memory
	TTL      time.Duration
	Statuses StatusReader
	Expirer  AuthExpirer
	Log      zerolog.Logger
}

// NewService creates the agents service.
func NewService(opts ServiceOptions) *Service {
	return &Service{
		client: opts.Client,
		records: cache.New(cache.Options[Record]{
			Namespace:   RecordNamespace,
			Store:       opts.Store,
			TTL:         opts.TTL,
			Fingerprint: fingerprint,
			Log:         opts.Log,
		}),
		index: cache.New(cache.Options[[]string]{
			Namespace:   IndexNamespace,
			Store:       opts.Store,
			TTL:         opts.TTL,
			Fingerprint: indexFingerprint,
			Log:         opts.Log,
		}),
		statuses: opts.Statuses,
		expirer:  opts.Expirer,
		log:      opts.Log.With().Str("component", "agents").Logger(),
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// READS
// ═══════════════════════════════════════════════════════════════════════════

// List fetches every agent, refreshes the caches and returns the records
// sorted by extension. When the collaborator is unreachable the cached
// list is served instead, if there is one.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	recs, err := s.client.List(ctx)
	if err != nil {
		s.checkAuth(err)
		if cached, ok := s.cachedList(); ok && !presence.IsAuthExpired(err) {
			s.log.Warn().Err(err).Msg("serving cached agents")
			return cached, nil
		}
		return nil, err
	}

	exts := make([]string, 0, len(recs))
	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		if r.Extension == "" {
			continue
		}
		s.records.Put(r.Extension, withoutStatus(r))
		exts = append(exts, r.Extension)
		seen[r.Extension] = true
	}
	// Drop records that disappeared upstream.
	if prev, ok := s.index.Get(indexKey); ok {
		for _, ext := range prev.Payload {
			if !seen[ext] {
				s.records.Invalidate(ext)
			}
		}
	}
	sort.Strings(exts)
	s.index.Put(indexKey, exts)

	return s.overlayAll(exts), nil
}

// Get returns the agent on ext, from cache when possible.
func (s *Service) Get(ctx context.Context, ext string) (*Record, error) {
	rec, err := s.lookup(ctx, ext)
	if err != nil {
		return nil, err
	}
	return s.overlay(rec), nil
}

// Extensions returns the cached extension index.
func (s *Service) Extensions() []string {
	e, ok := s.index.Get(indexKey)
	if !ok {
		return nil
	}
	return append([]string(nil), e.Payload...)
}

// ═══════════════════════════════════════════════════════════════════════════
// WRITES
// ═══════════════════════════════════════════════════════════════════════════

// Rename changes the agent's display name.
func (s *Service) Rename(ctx context.Context, ext, name string) (*Record, error) {
	return s.update(ctx, ext, Patch{Name: &name})
}

// SetCallerID changes the outbound caller id.
func (s *Service) SetCallerID(ctx context.Context, ext, callerID string) (*Record, error) {
	return s.update(ctx, ext, Patch{CallerID: &callerID})
}

// SetActive enables or disables the agent.
func (s *Service) SetActive(ctx context.Context, ext string, active bool) (*Record, error) {
	return s.update(ctx, ext, Patch{Active: &active})
}

// Update applies an arbitrary patch.
func (s *Service) Update(ctx context.Context, ext string, patch Patch) (*Record, error) {
	return s.update(ctx, ext, patch)
}

func (s *Service) update(ctx context.Context, ext string, patch Patch) (*Record, error) {
	if patch.Empty() {
		return s.Get(ctx, ext)
	}
	cur, err := s.lookup(ctx, ext)
	if err != nil {
		return nil, err
	}

	updated, err := s.client.Update(ctx, cur.ID, patch)
	if err != nil {
		s.checkAuth(err)
		return nil, err
	}
	if updated.Extension == "" {
		updated.Extension = ext
	}

	s.records.Put(ext, withoutStatus(*updated))
	// Membership is unchanged; keep the durable index fresh.
	s.index.Touch(indexKey)

	s.log.Info().Str("extension", ext).Str("id", cur.ID).Msg("agent updated")
	return s.overlay(*updated), nil
}

// Create adds an agent.
func (s *Service) Create(ctx context.Context, rec Record) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	created, err := s.client.Create(ctx, rec)
	if err != nil {
		s.checkAuth(err)
		return nil, err
	}
	if created.Extension == "" {
		created.Extension = rec.Extension
	}

	s.records.Put(created.Extension, withoutStatus(*created))
	s.setMembership(created.Extension, true)

	s.log.Info().Str("extension", created.Extension).Str("id", created.ID).Msg("agent created")
	return s.overlay(*created), nil
}

// Delete removes the agent on ext.
func (s *Service) Delete(ctx context.Context, ext string) error {
	cur, err := s.lookup(ctx, ext)
	if err != nil {
		return err
	}
	if err := s.client.Delete(ctx, cur.ID); err != nil {
		s.checkAuth(err)
		return err
	}

	s.records.Invalidate(ext)
	s.setMembership(ext, false)

	s.log.Info().Str("extension", ext).Str("id", cur.ID).Msg("agent deleted")
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

// lookup returns the cached record on ext, listing once on a miss.
func (s *Service) lookup(ctx context.Context, ext string) (Record, error) {
	if e, ok := s.records.Get(ext); ok {
		return e.Payload, nil
	}
	if _, err := s.List(ctx); err != nil {
		return Record{}, err
	}
	if e, ok := s.records.Get(ext); ok {
		return e.Payload, nil
	}
	return Record{}, fmt.Errorf("%w: extension %s", ErrNotFound, ext)
}

func (s *Service) setMembership(ext string, present bool) {
	var exts []string
	if e, ok := s.index.Get(indexKey); ok {
		exts = append(exts, e.Payload...)
	}

	out := exts[:0]
	for _, e := range exts {
		if e != ext {
			out = append(out, e)
		}
	}
	if present {
		out = append(out, ext)
	}
	sort.Strings(out)
	s.index.Put(indexKey, out)
}

func (s *Service) cachedList() ([]Record, bool) {
	e, ok := s.index.Get(indexKey)
	if !ok {
		return nil, false
	}
	return s.overlayAll(e.Payload), true
}

func (s *Service) overlayAll(exts []string) []Record {
	out := make([]Record, 0, len(exts))
	for _, ext := range exts {
		if e, ok := s.records.Get(ext); ok {
			out = append(out, *s.overlay(e.Payload))
		}
	}
	return out
}

func (s *Service) overlay(rec Record) *Record {
	rec.Status = nil
	if s.statuses != nil {
		if e, ok := s.statuses.Status(rec.Extension); ok {
			st := e.Payload
			rec.Status = &st
		}
	}
	return &rec
}

func (s *Service) checkAuth(err error) {
	if presence.IsAuthExpired(err) && s.expirer != nil {
		s.expirer.Expire(err)
	}
}

func withoutStatus(r Record) Record {
	r.Status = nil
	r.Flags = append([]string(nil), r.Flags...)
	return r
}
