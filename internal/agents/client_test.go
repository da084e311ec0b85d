package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxdesk/extwatch/internal/presence"
)

func newAgentsServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", time.Second, presence.StaticToken("tok"))
}

func TestClient_List(t *testing.T) {
	c := newAgentsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/agents" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode([]Record{
			{ID: "a1", Name: "Alice", Extension: "101"},
			{ID: "a2", Name: "Bob", Extension: "102"},
		})
	})

	recs, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(recs) != 2 || recs[1].Name != "Bob" {
		t.Errorf("List() = %+v", recs)
	}
}

func TestClient_Update(t *testing.T) {
	c := newAgentsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/agents/a 1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if _, ok := body["callerId"]; ok {
			t.Errorf("unset field sent: %v", body)
		}
		_ = json.NewEncoder(w).Encode(Record{ID: "a 1", Name: body["name"].(string), Extension: "101"})
	})

	name := "Alicia"
	rec, err := c.Update(context.Background(), "a 1", Patch{Name: &name})
	if err != nil {
		t.Fatalf("Update() err=%v", err)
	}
	if rec.Name != "Alicia" {
		t.Errorf("Name = %q", rec.Name)
	}
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, func(err error) bool { return errors.Is(err, presence.ErrUnauthorized) }},
		{"not found", http.StatusNotFound, func(err error) bool { return errors.Is(err, ErrNotFound) }},
		{"server error", http.StatusInternalServerError, func(err error) bool {
			var se *presence.StatusError
			return errors.As(err, &se) && se.Code == http.StatusInternalServerError
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newAgentsServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			err := c.Delete(context.Background(), "a1")
			if err == nil || !tt.check(err) {
				t.Errorf("Delete() err=%v", err)
			}
		})
	}
}

func TestClient_NoCredentials(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0, presence.StaticToken(""))
	_, err := c.List(context.Background())
	if !errors.Is(err, presence.ErrUnauthorized) {
		t.Errorf("List() err=%v, want ErrUnauthorized", err)
	}
	if called {
		t.Error("request sent without credentials")
	}
}
