package models

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the state of a focus session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusPaused, SessionStatusCompleted:
		return true
	}
	return false
}

// OfflineSession is a focus session created on the device, possibly while offline.
type OfflineSession struct {
	ID                    string        `json:"local_id"`
	RemoteID              string        `json:"remote_id,omitempty"`
	UserID                string        `json:"user_id"`
	Goal                  string        `json:"goal"`
	TotalEstimatedMinutes int           `json:"total_estimated_minutes"`
	ActualMinutes         int           `json:"actual_minutes"`
	Status                SessionStatus `json:"status"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
	NeedsSync             bool          `json:"needs_sync"`
	SyncAttempts          int           `json:"sync_attempts"`
	LastSyncAttempt       *time.Time    `json:"last_sync_attempt,omitempty"`
	Deleted               bool          `json:"deleted,omitempty"`
}

// Synced reports whether the session has been acknowledged by the remote store.
func (s *OfflineSession) Synced() bool { return s.RemoteID != "" && !s.NeedsSync }

func (s *OfflineSession) Timestamp() time.Time { return s.UpdatedAt }

// SyncPayload encodes the state carried by a queued operation for s. Local
// sync bookkeeping is left out so two writes of the same state produce
// identical bytes.
func (s OfflineSession) SyncPayload() ([]byte, error) {
	s.NeedsSync = false
	s.SyncAttempts = 0
	s.LastSyncAttempt = nil
	return json.Marshal(s)
}
