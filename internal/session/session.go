// Package session holds the PBX credential and reacts to its expiry.
package session

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/voxdesk/extwatch/internal/cache"
)

// DefaultCredentialKey is where the bearer token lives in the durable store.
const DefaultCredentialKey = "auth:token"

// LoginPath is where browsers are sent once the session has expired.
const LoginPath = "/login"

// Credentials reads and writes the bearer token in the durable store.
// It implements presence.TokenSource.
type Credentials struct {
	store cache.Store
	key   string
}

// NewCredentials creates a credential holder on store under key.
func NewCredentials(store cache.Store, key string) *Credentials {
	if key == "" {
		key = DefaultCredentialKey
	}
	return &Credentials{store: store, key: key}
}

// Token returns the stored token, or "" if there is none.
func (c *Credentials) Token() (string, error) {
	v, ok, err := c.store.Get(c.key)
	if err != nil || !ok {
		return "", err
	}
	return v, nil
}

// Set stores token.
func (c *Credentials) Set(token string) error {
	if token == "" {
		return errors.New("session: empty token")
	}
	return c.store.Set(c.key, token)
}

// Clear removes the stored token.
func (c *Credentials) Clear() error {
	return c.store.Remove(c.key)
}

// RedirectFunc is told where to send the user after expiry.
type RedirectFunc func(redirect string, reason error)

// Expirer handles credential expiry exactly once: it runs the stop hooks,
// clears the stored credential and fires the redirect hooks. Later calls
// are no-ops.
type Expirer struct {
	creds *Credentials
	log   zerolog.Logger

	fired atomic.Bool

	mu        sync.Mutex
	stops     []func()
	redirects []RedirectFunc
	reason    error
}

// NewExpirer creates an expirer clearing creds on expiry.
func NewExpirer(creds *Credentials, log zerolog.Logger) *Expirer {
	return &Expirer{
		creds: creds,
		log:   log.With().Str("component", "session").Logger(),
	}
}

// OnStop registers a hook that halts a data source.
func (e *Expirer) OnStop(fn func()) {
	e.mu.Lock()
	e.stops = append(e.stops, fn)
	e.mu.Unlock()
}

// OnRedirect registers a hook that navigates UI surfaces to the login page.
func (e *Expirer) OnRedirect(fn RedirectFunc) {
	e.mu.Lock()
	e.redirects = append(e.redirects, fn)
	e.mu.Unlock()
}

// Expire implements reconcile.AuthExpirer.
func (e *Expirer) Expire(reason error) {
	if !e.fired.CompareAndSwap(false, true) {
		return
	}

	e.mu.Lock()
	e.reason = reason
	stops := append([]func(){}, e.stops...)
	redirects := append([]RedirectFunc{}, e.redirects...)
	e.mu.Unlock()

	e.log.Warn().Err(reason).Msg("session expired, stopping presence sources")

	for _, stop := range stops {
		stop()
	}
	if e.creds != nil {
		if err := e.creds.Clear(); err != nil {
			e.log.Error().Err(err).Msg("failed to clear stored credentials")
		}
	}
	for _, redirect := range redirects {
		redirect(LoginPath, reason)
	}
}

// Expired reports whether Expire has run.
func (e *Expirer) Expired() bool {
	return e.fired.Load()
}

// Reason returns the error that triggered expiry, if any.
func (e *Expirer) Reason() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}
