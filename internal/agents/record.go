// Package agents is the CRUD side of the console: agent records keyed by
// extension, cached so edits show up without waiting for the next poll,
// with live presence overlaid at read time.
package agents

import (
	"encoding/json"
	"errors"

	"github.com/voxdesk/extwatch/internal/presence"
)

var (
	// ErrNotFound is returned when no record exists for an id or extension.
	ErrNotFound = errors.New("agents: not found")

	// ErrInvalid wraps validation failures on create.
	ErrInvalid = errors.New("agents: invalid record")
)

// Record is one agent as the PBX stores it. Status is never stored; it
// is filled from the presence cache when a record is read.
type Record struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Extension string   `json:"extension"`
	CallerID  string   `json:"callerId"`
	Secret    string   `json:"secret,omitempty"`
	Active    bool     `json:"active"`
	Flags     []string `json:"flags,omitempty"`

	Status *presence.StatusSnapshot `json:"status,omitempty"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Name     *string `json:"name,omitempty"`
	CallerID *string `json:"callerId,omitempty"`
	Active   *bool   `json:"active,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Name == nil && p.CallerID == nil && p.Active == nil
}

// Validate checks fields a create must carry.
func (r Record) Validate() error {
	var errs []error
	if r.Extension == "" {
		errs = append(errs, errors.New("extension is required"))
	}
	if r.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	return errors.Join(errs...)
}

// fingerprint ignores the presence overlay.
func fingerprint(r Record) string {
	r.Status = nil
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(data)
}

// indexFingerprint is order independent.
func indexFingerprint(exts []string) string {
	return presence.Canonical(exts, func(s string) string { return s }, func(string) any { return nil })
}
