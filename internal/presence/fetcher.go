package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxdesk/extwatch/internal/protocol"
)

// StatusPath is the snapshot endpoint, relative to the API base URL.
const StatusPath = "/extensions/status"

// DefaultFetchTimeout bounds a snapshot request when none is configured.
const DefaultFetchTimeout = 5 * time.Second

// TokenSource supplies the bearer token for PBX requests.
type TokenSource interface {
	Token() (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token() (string, error) { return f() }

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return TokenFunc(func() (string, error) { return token, nil })
}

// SnapshotFetcher is implemented by Fetcher and by test fakes.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, extensions []string) (*Snapshot, error)
}

// Fetcher reads full presence snapshots from the PBX REST API.
// It holds no per-call state and is safe for concurrent use.
type Fetcher struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	log     zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewFetcher creates a fetcher. A non-positive timeout uses DefaultFetchTimeout.
func NewFetcher(baseURL string, timeout time.Duration, tokens TokenSource, log zerolog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client: &http.Client{
			Timeout: timeout,
		},
		log:    log.With().Str("component", "fetcher").Logger(),
		tracer: otel.Tracer("github.com/voxdesk/extwatch/internal/presence"),
		now:    time.Now,
	}
}

// Fetch returns the snapshot for the given extensions, or for all of them
// when extensions is empty.
func (f *Fetcher) Fetch(ctx context.Context, extensions []string) (*Snapshot, error) {
	filter := normalizeFilter(extensions)

	ctx, span := f.tracer.Start(ctx, "presence.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("extwatch.filter.size", len(filter))),
	)
	defer span.End()

	snap, err := f.fetch(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("extwatch.extensions", len(snap.Extensions)),
		attribute.Int("extwatch.malformed", len(snap.Malformed)),
	)
	return snap, nil
}

func (f *Fetcher) fetch(ctx context.Context, filter []string) (*Snapshot, error) {
	u := f.baseURL + StatusPath
	if len(filter) > 0 {
		u += "?" + url.Values{"extensions": {strings.Join(filter, ",")}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.tokens != nil {
		token, err := f.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("load token: %w", err)
		}
		if token == "" {
			return nil, fmt.Errorf("%w: no stored credentials", ErrUnauthorized)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var body protocol.SnapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	snap, err := FromResponse(&body, f.now())
	if err != nil {
		return nil, err
	}
	if len(snap.Malformed) > 0 {
		f.log.Warn().Strs("extensions", snap.Malformed).Msg("dropped malformed snapshot entries")
	}
	return snap, nil
}

// normalizeFilter trims, dedupes and sorts an extension filter.
func normalizeFilter(extensions []string) []string {
	if len(extensions) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(extensions))
	out := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.TrimSpace(ext)
		if ext == "" || seen[ext] {
			continue
		}
		seen[ext] = true
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
