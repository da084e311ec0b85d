package session

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/voxdesk/extwatch/internal/cache"
	"github.com/voxdesk/extwatch/internal/presence"
)

func TestCredentials(t *testing.T) {
	store := cache.NewMemoryStore()
	c := NewCredentials(store, "")

	if tok, err := c.Token(); err != nil || tok != "" {
		t.Fatalf("Token() on empty store = %q, %v", tok, err)
	}
	if err := c.Set(""); err == nil {
		t.Error("Set(\"\") should fail")
	}
	if err := c.Set("abc"); err != nil {
		t.Fatal(err)
	}
	if tok, _ := c.Token(); tok != "abc" {
		t.Errorf("Token() = %q, want abc", tok)
	}
	if _, ok, _ := store.Get(DefaultCredentialKey); !ok {
		t.Error("token should be stored under the default key")
	}
	if err := c.Clear(); err != nil {
		t.Fatal(err)
	}
	if tok, _ := c.Token(); tok != "" {
		t.Errorf("Token() after Clear = %q", tok)
	}
}

func TestExpire_RunsOnce(t *testing.T) {
	store := cache.NewMemoryStore()
	creds := NewCredentials(store, "")
	_ = creds.Set("abc")
	e := NewExpirer(creds, zerolog.Nop())

	var order []string
	var redirectTo string
	e.OnStop(func() { order = append(order, "stop-poller") })
	e.OnStop(func() {
		order = append(order, "stop-channels")
		if tok, _ := creds.Token(); tok == "" {
			t.Error("credential cleared before stop hooks ran")
		}
	})
	e.OnRedirect(func(to string, reason error) {
		order = append(order, "redirect")
		redirectTo = to
		if !presence.IsAuthExpired(reason) {
			t.Errorf("reason = %v", reason)
		}
		if tok, _ := creds.Token(); tok != "" {
			t.Error("credential should be cleared before redirect")
		}
	})

	e.Expire(presence.ErrUnauthorized)
	e.Expire(presence.ErrUnauthorized)

	want := []string{"stop-poller", "stop-channels", "redirect"}
	if len(order) != len(want) {
		t.Fatalf("hooks ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("hook %d = %s, want %s", i, order[i], want[i])
		}
	}
	if redirectTo != LoginPath {
		t.Errorf("redirect = %q, want %q", redirectTo, LoginPath)
	}
	if !e.Expired() || !presence.IsAuthExpired(e.Reason()) {
		t.Error("expirer should report the expiry")
	}
}

func TestExpire_ConcurrentCallersFireOnce(t *testing.T) {
	e := NewExpirer(nil, zerolog.Nop())
	var mu sync.Mutex
	redirects := 0
	e.OnRedirect(func(string, error) {
		mu.Lock()
		redirects++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Expire(presence.ErrUnauthorized)
		}()
	}
	wg.Wait()

	if redirects != 1 {
		t.Errorf("redirects = %d, want 1", redirects)
	}
}
