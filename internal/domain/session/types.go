// Package session defines the durable browser session descriptor. A
// Session pairs one live driver context with one artifacts directory;
// a closed session never reappears without an explicit reopen.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Mode selects how a session obtains its browser.
type Mode string

const (
	// ModeIsolated launches a fresh browser context.
	ModeIsolated Mode = "isolated"
	// ModeAttach connects to an already-running browser over its
	// loopback remote-debug endpoint.
	ModeAttach Mode = "attach"
)

// IsValid returns true for a known mode.
func (m Mode) IsValid() bool {
	return m == ModeIsolated || m == ModeAttach
}

// Status is the session lifecycle state.
type Status string

const (
	// StatusOpen means the session owns a live driver context.
	StatusOpen Status = "open"
	// StatusClosed means the driver context has been released.
	StatusClosed Status = "closed"
)

// Runtime describes whether a driver is reachable for the session.
type Runtime string

const (
	// RuntimeDriverAvailable means driver calls can be issued.
	RuntimeDriverAvailable Runtime = "driver-available"
	// RuntimeUnavailable means the session exists but has no driver.
	RuntimeUnavailable Runtime = "unavailable"
)

// Session is the durable descriptor of one browser session.
type Session struct {
	// ID uniquely identifies the session.
	ID string `json:"id"`
	// RunID groups sessions belonging to one agent run.
	RunID string `json:"runId,omitempty"`
	// Mode is isolated or attach.
	Mode Mode `json:"mode"`
	// Status is open or closed.
	Status Status `json:"status"`
	// Runtime reports driver availability.
	Runtime Runtime `json:"runtime"`
	// CreatedAt is when the session was opened (UTC).
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is bumped by every operation on the session (UTC).
	UpdatedAt time.Time `json:"updatedAt"`
	// ArtifactsDir is the directory owning all files of this session.
	ArtifactsDir string `json:"artifactsDir"`
	// ProfileDir is the persistent driver profile, when one is used.
	ProfileDir string `json:"profileDir,omitempty"`
	// CurrentURL is the last navigated URL.
	CurrentURL string `json:"currentUrl,omitempty"`
	// WSEndpoint is the remote-debug endpoint for attach sessions.
	WSEndpoint string `json:"wsEndpoint,omitempty"`
	// LastError records the most recent fatal error, if any.
	LastError string `json:"lastError,omitempty"`
	// RecoveredAt is set when the session was reopened by daemon recovery.
	RecoveredAt time.Time `json:"recoveredAt,omitzero"`
}

// IsOpen returns true while the session may accept operations.
func (s *Session) IsOpen() bool {
	return s.Status == StatusOpen
}

// Touch bumps UpdatedAt to now (UTC).
func (s *Session) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a defensive copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// NewID generates a cryptographically random session ID of the form
// "session-<16 hex chars>".
func NewID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return "session-" + hex.EncodeToString(b), nil
}
