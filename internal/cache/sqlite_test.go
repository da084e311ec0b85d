package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "extwatch.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() err=%v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteStore(db, "session-a", zerolog.Nop())
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s := openTestDB(t)

	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Fatalf("Get(missing) ok=%v err=%v", ok, err)
	}

	if err := s.Set("presence:1001", `{"online":true}`); err != nil {
		t.Fatalf("Set() err=%v", err)
	}
	if err := s.Set("presence:1001", `{"online":false}`); err != nil {
		t.Fatalf("Set() overwrite err=%v", err)
	}

	v, ok, err := s.Get("presence:1001")
	if err != nil || !ok {
		t.Fatalf("Get() ok=%v err=%v", ok, err)
	}
	if v != `{"online":false}` {
		t.Errorf("Get() = %s, want overwritten value", v)
	}

	if err := s.Remove("presence:1001"); err != nil {
		t.Fatalf("Remove() err=%v", err)
	}
	if _, ok, _ := s.Get("presence:1001"); ok {
		t.Error("value should be gone after Remove")
	}
}

func TestSQLiteStore_ScopedBySession(t *testing.T) {
	a := openTestDB(t)
	b := NewSQLiteStore(a.db, "session-b", zerolog.Nop())

	if err := a.Set("token", "alpha"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.Get("token"); ok {
		t.Error("session-b must not see session-a's keys")
	}
}

func TestSQLiteStore_BacksCacheAcrossReload(t *testing.T) {
	s := openTestDB(t)
	clk := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}

	newTestCache(s, clk, 0).Put("1001", status{Online: true})

	e, ok := newTestCache(s, clk, 0).Get("1001")
	if !ok || !e.Hydrated || !e.Payload.Online {
		t.Errorf("expected hydrated online entry, got ok=%v %+v", ok, e)
	}
}

func TestSQLiteStore_Cleanup(t *testing.T) {
	s := openTestDB(t)
	if err := s.Set("presence:1001", "v"); err != nil {
		t.Fatal(err)
	}

	n, err := s.Cleanup(time.Hour, "presence:")
	if err != nil || n != 0 {
		t.Fatalf("Cleanup(1h) = %d, %v; want 0 fresh rows removed", n, err)
	}
	n, err = s.Cleanup(-time.Hour, "presence:")
	if err != nil || n != 1 {
		t.Errorf("Cleanup(-1h) = %d, %v; want 1", n, err)
	}
}

func TestSQLiteStore_CleanupKeepsCredentials(t *testing.T) {
	s := openTestDB(t)
	for k, v := range map[string]string{
		"auth:token":             "secret",
		"presence:1001":          `{"online":true}`,
		"presence:" + versionKey: "7",
		"agents:1001":            `{"name":"Alice"}`,
		"agents-index:all":       `["1001"]`,
	} {
		if err := s.Set(k, v); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Cleanup(-time.Hour, "presence:", "agents:", "agents-index:")
	if err != nil || n != 3 {
		t.Fatalf("Cleanup() = %d, %v; want 3", n, err)
	}
	if v, ok, _ := s.Get("auth:token"); !ok || v != "secret" {
		t.Error("credential must survive cleanup")
	}
	if _, ok, _ := s.Get("presence:" + versionKey); !ok {
		t.Error("version counter must survive cleanup")
	}
	if _, ok, _ := s.Get("presence:1001"); ok {
		t.Error("stale presence entry should be removed")
	}
}
