package models

import (
	"encoding/json"
	"time"
)

// Confidence is how sure the decomposition is about an action's estimate.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Valid reports whether c is a known confidence level.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

// OfflineAction is one micro-task in a session's decomposition.
type OfflineAction struct {
	ID               string     `json:"local_id"`
	RemoteID         string     `json:"remote_id,omitempty"`
	SessionID        string     `json:"session_local_id"`
	RemoteSessionID  string     `json:"remote_session_id,omitempty"`
	Text             string     `json:"text"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	Confidence       Confidence `json:"confidence"`
	IsCustom         bool       `json:"is_custom"`
	OriginalText     string     `json:"original_text,omitempty"`
	OrderIndex       int        `json:"order_index"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	NeedsSync        bool       `json:"needs_sync"`
	SyncAttempts     int        `json:"sync_attempts"`
	LastSyncAttempt  *time.Time `json:"last_sync_attempt,omitempty"`
	Deleted          bool       `json:"deleted,omitempty"`
}

// Completed reports whether the action has a completion timestamp.
func (a *OfflineAction) Completed() bool { return a.CompletedAt != nil }

// Synced reports whether the action has been acknowledged by the remote store.
func (a *OfflineAction) Synced() bool { return a.RemoteID != "" && !a.NeedsSync }

func (a *OfflineAction) Timestamp() time.Time { return a.UpdatedAt }

// SyncPayload encodes the state carried by a queued operation for a. Local
// sync bookkeeping is left out so two writes of the same state produce
// identical bytes.
func (a OfflineAction) SyncPayload() ([]byte, error) {
	a.NeedsSync = false
	a.SyncAttempts = 0
	a.LastSyncAttempt = nil
	return json.Marshal(a)
}
