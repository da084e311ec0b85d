package presence

import (
	"testing"
	"time"
)

func TestSerializeStatuses_OrderIndependent(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	a := []StatusSnapshot{
		{ExtensionID: "1001", IsOnline: true, URI: "sip:1001@10.0.0.5", Source: SourceFallback, ObservedAt: t0},
		{ExtensionID: "1002", IsOnline: false, Source: SourceFallback, ObservedAt: t0},
		{ExtensionID: "1003", IsOnline: true, UserAgent: "Yealink T46U", Source: SourceFallback, ObservedAt: t0},
	}
	b := []StatusSnapshot{a[2], a[0], a[1]}

	if got, want := SerializeStatuses(b), SerializeStatuses(a); got != want {
		t.Errorf("serialization depends on order:\n a=%s\n b=%s", want, got)
	}
}

func TestSerializeStatuses_IgnoresVolatileFields(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seen := t0.Add(-time.Minute)

	first := []StatusSnapshot{{ExtensionID: "1001", IsOnline: true, Source: SourceFallback, ObservedAt: t0}}
	second := []StatusSnapshot{{ExtensionID: "1001", IsOnline: true, LastSeen: &seen, Source: SourceRealtime, ObservedAt: t0.Add(7 * time.Second)}}

	if SerializeStatuses(first) != SerializeStatuses(second) {
		t.Error("observedAt/source/lastSeen should not affect serialization")
	}
}

func TestSerializeStatuses_DetectsMeaningfulChange(t *testing.T) {
	tests := []struct {
		name string
		a, b StatusSnapshot
	}{
		{
			name: "online flips",
			a:    StatusSnapshot{ExtensionID: "1001", IsOnline: true},
			b:    StatusSnapshot{ExtensionID: "1001", IsOnline: false},
		},
		{
			name: "uri changes",
			a:    StatusSnapshot{ExtensionID: "1001", IsOnline: true, URI: "sip:1001@10.0.0.5"},
			b:    StatusSnapshot{ExtensionID: "1001", IsOnline: true, URI: "sip:1001@10.0.0.9"},
		},
		{
			name: "user agent changes",
			a:    StatusSnapshot{ExtensionID: "1001", IsOnline: true, UserAgent: "Zoiper"},
			b:    StatusSnapshot{ExtensionID: "1001", IsOnline: true, UserAgent: "Linphone"},
		},
		{
			name: "different extension",
			a:    StatusSnapshot{ExtensionID: "1001", IsOnline: true},
			b:    StatusSnapshot{ExtensionID: "1002", IsOnline: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Fingerprint(tt.a) == Fingerprint(tt.b) {
				t.Errorf("expected different fingerprints for %+v and %+v", tt.a, tt.b)
			}
		})
	}
}

func TestCanonical_CustomProjection(t *testing.T) {
	type row struct {
		id    string
		name  string
		noise int
	}
	id := func(r row) string { return r.id }
	project := func(r row) any { return r.name }

	a := Canonical([]row{{"b", "Bob", 1}, {"a", "Alice", 2}}, id, project)
	b := Canonical([]row{{"a", "Alice", 99}, {"b", "Bob", 42}}, id, project)
	if a != b {
		t.Errorf("Canonical() = %s and %s, want equal", a, b)
	}
}

func TestSnapshotSerialize_Nil(t *testing.T) {
	var s *Snapshot
	if s.Serialize() != "" {
		t.Error("nil snapshot should serialize to empty string")
	}
}
