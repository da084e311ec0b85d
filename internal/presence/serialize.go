package presence

import (
	"encoding/json"
	"sort"
)

type canonicalRecord struct {
	ID     string `json:"id"`
	Fields any    `json:"f"`
}

// Canonical returns an order-independent string for records: they are
// sorted by id and only the projected fields are encoded. Two inputs with
// the same ids and projections always produce the same string.
func Canonical[T any](records []T, id func(T) string, project func(T) any) string {
	out := make([]canonicalRecord, 0, len(records))
	for _, r := range records {
		out = append(out, canonicalRecord{ID: id(r), Fields: project(r)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	data, err := json.Marshal(out)
	if err != nil {
		// Projections are plain structs; this only happens for a broken projector.
		return ""
	}
	return string(data)
}

// statusFields is the part of a status that matters for change detection.
// ObservedAt, Source and LastSeen move on every observation and are left out.
type statusFields struct {
	Online    bool   `json:"online"`
	URI       string `json:"uri,omitempty"`
	UserAgent string `json:"ua,omitempty"`
}

// StatusFields projects a snapshot onto its change-relevant fields.
func StatusFields(s StatusSnapshot) any {
	return statusFields{Online: s.IsOnline, URI: s.URI, UserAgent: s.UserAgent}
}

func statusID(s StatusSnapshot) string { return s.ExtensionID }

// SerializeStatuses is Canonical specialised for status snapshots.
func SerializeStatuses(statuses []StatusSnapshot) string {
	return Canonical(statuses, statusID, StatusFields)
}

// Fingerprint is the canonical form of a single status.
func Fingerprint(s StatusSnapshot) string {
	return SerializeStatuses([]StatusSnapshot{s})
}
