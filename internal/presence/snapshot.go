// Package presence holds the extension status model, the snapshot fetcher
// and the stable serializer used for change detection.
package presence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/voxdesk/extwatch/internal/protocol"
)

// maxExtensionLen bounds extension ids accepted from clients.
const maxExtensionLen = 64

// ValidExtension reports whether id is usable as an extension id: letters,
// digits, '_', '-' and '+'. Subject separators and wildcards are rejected
// so an id can be embedded in a push subject as a single token.
func ValidExtension(id string) bool {
	if id == "" || len(id) > maxExtensionLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r == '_', r == '-', r == '+':
		default:
			return false
		}
	}
	return true
}

// Source identifies which feed produced an observation.
type Source string

const (
	SourceFallback Source = "fallback"
	SourceRealtime Source = "realtime"
)

// Rank orders sources by precedence. Higher wins.
func (s Source) Rank() int {
	switch s {
	case SourceRealtime:
		return 2
	case SourceFallback:
		return 1
	default:
		return 0
	}
}

// StatusSnapshot is one observation of an extension's presence.
// It is a value: a new observation produces a new snapshot.
type StatusSnapshot struct {
	ExtensionID string     `json:"extensionId"`
	IsOnline    bool       `json:"isOnline"`
	LastSeen    *time.Time `json:"lastSeen"`
	URI         string     `json:"uri,omitempty"`
	UserAgent   string     `json:"userAgent,omitempty"`
	Source      Source     `json:"source"`
	ObservedAt  time.Time  `json:"observedAt"`
}

// Snapshot is the parsed result of one fetch.
type Snapshot struct {
	Extensions      map[string]StatusSnapshot
	OnlineCount     int
	TotalExtensions int
	LastUpdate      time.Time // zero if the server did not report one
	FetchedAt       time.Time

	// Malformed lists extensions whose entries were dropped.
	Malformed []string
}

// Statuses returns the snapshot's statuses sorted by extension.
func (s *Snapshot) Statuses() []StatusSnapshot {
	out := make([]StatusSnapshot, 0, len(s.Extensions))
	for _, st := range s.Extensions {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtensionID < out[j].ExtensionID })
	return out
}

// Serialize returns the canonical form of the snapshot's statuses.
func (s *Snapshot) Serialize() string {
	if s == nil {
		return ""
	}
	return SerializeStatuses(s.Statuses())
}

// ObservedAt is the time the snapshot describes: the server's lastUpdate
// when present, otherwise the time the response arrived.
func (s *Snapshot) ObservedAt() time.Time {
	if !s.LastUpdate.IsZero() {
		return s.LastUpdate
	}
	return s.FetchedAt
}

// FromResponse converts a wire response into a Snapshot. Entries without
// isOnline or with an unparsable lastSeen are excluded and reported in
// Malformed.
func FromResponse(resp *protocol.SnapshotResponse, fetchedAt time.Time) (*Snapshot, error) {
	if resp == nil || resp.Extensions == nil {
		return nil, fmt.Errorf("%w: missing extensions map", ErrMalformed)
	}

	snap := &Snapshot{
		Extensions:      make(map[string]StatusSnapshot, len(resp.Extensions)),
		OnlineCount:     resp.OnlineCount,
		TotalExtensions: resp.TotalExtensions,
		FetchedAt:       fetchedAt,
	}
	if resp.LastUpdate != "" {
		t, err := ParseTime(resp.LastUpdate)
		if err != nil {
			return nil, fmt.Errorf("%w: lastUpdate: %v", ErrMalformed, err)
		}
		snap.LastUpdate = t
	}

	observedAt := snap.ObservedAt()
	for id, entry := range resp.Extensions {
		id = strings.TrimSpace(id)
		if id == "" || entry.IsOnline == nil {
			snap.Malformed = append(snap.Malformed, id)
			continue
		}
		st := StatusSnapshot{
			ExtensionID: id,
			IsOnline:    *entry.IsOnline,
			Source:      SourceFallback,
			ObservedAt:  observedAt,
		}
		if entry.LastSeen != nil && *entry.LastSeen != "" {
			t, err := ParseTime(*entry.LastSeen)
			if err != nil {
				snap.Malformed = append(snap.Malformed, id)
				continue
			}
			st.LastSeen = &t
		}
		if entry.URI != nil {
			st.URI = *entry.URI
		}
		if entry.UserAgent != nil {
			st.UserAgent = *entry.UserAgent
		}
		snap.Extensions[id] = st
	}
	sort.Strings(snap.Malformed)

	return snap, nil
}

// FromEvent converts a push event into a snapshot observed at receivedAt.
// Events not flagged isRealtime are treated as fallback observations.
func FromEvent(ev protocol.PushEvent, receivedAt time.Time) (StatusSnapshot, error) {
	if !ev.Valid() {
		return StatusSnapshot{}, fmt.Errorf("%w: push event for %q with status %q", ErrMalformed, ev.Extension, ev.Status)
	}

	st := StatusSnapshot{
		ExtensionID: ev.Extension,
		IsOnline:    ev.Status == protocol.StatusOnline,
		Source:      SourceRealtime,
		ObservedAt:  receivedAt,
	}
	if !ev.IsRealtime {
		st.Source = SourceFallback
	}
	if ev.LastSeen != nil && *ev.LastSeen != "" {
		t, err := ParseTime(*ev.LastSeen)
		if err != nil {
			return StatusSnapshot{}, fmt.Errorf("%w: lastSeen: %v", ErrMalformed, err)
		}
		st.LastSeen = &t
	}
	return st, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseTime accepts RFC 3339 and the zone-less layouts the PBX emits
// (interpreted as UTC).
func ParseTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
