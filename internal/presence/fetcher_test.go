package presence

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestFetcher(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewFetcher(srv.URL, timeout, StaticToken("secret"), zerolog.Nop())
}

func TestFetch_Success(t *testing.T) {
	var gotAuth, gotQuery string
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("extensions")
		if r.URL.Path != StatusPath {
			t.Errorf("path = %s, want %s", r.URL.Path, StatusPath)
		}
		_, _ = w.Write([]byte(`{
			"extensions": {
				"1001": {"isOnline": true, "lastSeen": "2025-01-01T10:00:00Z", "uri": "sip:1001@10.0.0.5", "userAgent": "Yealink"},
				"1002": {"isOnline": false}
			},
			"onlineCount": 1,
			"totalExtensions": 2,
			"lastUpdate": "2025-01-01T10:00:05Z"
		}`))
	}, time.Second)

	snap, err := f.Fetch(context.Background(), []string{"1002", "1001", "1001", " "})
	if err != nil {
		t.Fatalf("Fetch() err=%v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotQuery != "1001,1002" {
		t.Errorf("extensions query = %q, want sorted and deduped", gotQuery)
	}
	if len(snap.Extensions) != 2 {
		t.Fatalf("expected 2 extensions, got %d", len(snap.Extensions))
	}
	st := snap.Extensions["1001"]
	if !st.IsOnline || st.URI != "sip:1001@10.0.0.5" || st.UserAgent != "Yealink" {
		t.Errorf("unexpected 1001 status: %+v", st)
	}
	if st.LastSeen == nil || !st.LastSeen.Equal(time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("lastSeen = %v", st.LastSeen)
	}
	if st.Source != SourceFallback {
		t.Errorf("source = %s, want fallback", st.Source)
	}
	wantObserved := time.Date(2025, 1, 1, 10, 0, 5, 0, time.UTC)
	if !st.ObservedAt.Equal(wantObserved) {
		t.Errorf("observedAt = %v, want lastUpdate %v", st.ObservedAt, wantObserved)
	}
	if snap.OnlineCount != 1 || snap.TotalExtensions != 2 {
		t.Errorf("counters = %d/%d", snap.OnlineCount, snap.TotalExtensions)
	}
}

func TestFetch_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		check   func(error) bool
		wantErr string
	}{
		{
			name:    "401 is distinct",
			status:  http.StatusUnauthorized,
			check:   func(err error) bool { return errors.Is(err, ErrUnauthorized) },
			wantErr: "ErrUnauthorized",
		},
		{
			name:   "500 is a status error",
			status: http.StatusInternalServerError,
			body:   "boom",
			check: func(err error) bool {
				var se *StatusError
				return errors.As(err, &se) && se.Code == 500 && !errors.Is(err, ErrUnauthorized)
			},
			wantErr: "StatusError",
		},
		{
			name:    "garbage body",
			status:  http.StatusOK,
			body:    "<html>",
			check:   func(err error) bool { return errors.Is(err, ErrMalformed) },
			wantErr: "ErrMalformed",
		},
		{
			name:    "missing extensions map",
			status:  http.StatusOK,
			body:    `{"onlineCount": 0}`,
			check:   func(err error) bool { return errors.Is(err, ErrMalformed) },
			wantErr: "ErrMalformed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, time.Second)

			_, err := f.Fetch(context.Background(), nil)
			if err == nil || !tt.check(err) {
				t.Errorf("Fetch() err=%v, want %s", err, tt.wantErr)
			}
		})
	}
}

func TestFetch_DropsMalformedEntries(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"extensions": {
				"1001": {"isOnline": true},
				"1002": {"lastSeen": "2025-01-01T10:00:00Z"},
				"1003": {"isOnline": false, "lastSeen": "yesterday"}
			},
			"onlineCount": 1,
			"totalExtensions": 3
		}`))
	}, time.Second)

	snap, err := f.Fetch(context.Background(), nil)
	if err != nil {
		t.Fatalf("Fetch() err=%v", err)
	}
	if _, ok := snap.Extensions["1001"]; !ok {
		t.Error("well-formed entry 1001 missing")
	}
	if len(snap.Extensions) != 1 {
		t.Errorf("expected only 1001 to survive, got %d entries", len(snap.Extensions))
	}
	if len(snap.Malformed) != 2 || snap.Malformed[0] != "1002" || snap.Malformed[1] != "1003" {
		t.Errorf("Malformed = %v", snap.Malformed)
	}
	if snap.Extensions["1001"].ObservedAt.IsZero() {
		t.Error("observedAt should fall back to fetch time")
	}
}

func TestFetch_Timeout(t *testing.T) {
	release := make(chan struct{})
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	defer close(release)

	start := time.Now()
	_, err := f.Fetch(context.Background(), nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("timeout must not look like auth expiry")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("fetch took %v, should fail fast", elapsed)
	}
}

func TestFetch_NoTokenIsUnauthorized(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, time.Second, StaticToken(""), zerolog.Nop())
	_, err := f.Fetch(context.Background(), nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err=%v, want ErrUnauthorized", err)
	}
	if called {
		t.Error("request should not be sent without credentials")
	}
}
