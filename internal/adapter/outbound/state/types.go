// Package state provides file-based persistence for the session
// registry. runtime-sessions.json records every session the daemon has
// opened so a restarted daemon can recover or finalize them. Writes are
// atomic with cross-process locking and a rolling backup.
package state

import (
	"time"

	"github.com/opta-dev/opta-browser/internal/domain/session"
)

// Registry is the top-level structure persisted in runtime-sessions.json.
type Registry struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// Sessions are all sessions known to the daemon, open and closed.
	Sessions []session.Session `json:"sessions"`

	// CreatedAt is when this registry file was first created.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is when this registry file was last modified.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Find returns the session with the given ID, or nil.
func (r *Registry) Find(id string) *session.Session {
	for i := range r.Sessions {
		if r.Sessions[i].ID == id {
			return &r.Sessions[i]
		}
	}
	return nil
}

// Open returns the sessions currently marked open.
func (r *Registry) Open() []session.Session {
	var out []session.Session
	for _, s := range r.Sessions {
		if s.Status == session.StatusOpen {
			out = append(out, s)
		}
	}
	return out
}

// Upsert replaces the session with the same ID or appends it.
func (r *Registry) Upsert(s session.Session) {
	for i := range r.Sessions {
		if r.Sessions[i].ID == s.ID {
			r.Sessions[i] = s
			return
		}
	}
	r.Sessions = append(r.Sessions, s)
}

// Remove deletes the session with the given ID, reporting whether it
// was present.
func (r *Registry) Remove(id string) bool {
	for i := range r.Sessions {
		if r.Sessions[i].ID == id {
			r.Sessions = append(r.Sessions[:i], r.Sessions[i+1:]...)
			return true
		}
	}
	return false
}
