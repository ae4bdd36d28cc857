package remote

import (
	"time"

	"github.com/joescharf/firefly/internal/models"
)

// SessionRecord is the remote store's representation of a focus session.
type SessionRecord struct {
	ID                    string               `json:"id,omitempty"`
	UserID                string               `json:"user_id"`
	Goal                  string               `json:"goal"`
	TotalEstimatedMinutes int                  `json:"total_estimated_minutes"`
	ActualMinutes         int                  `json:"actual_minutes"`
	Status                models.SessionStatus `json:"status"`
	CreatedAt             time.Time            `json:"created_at"`
	UpdatedAt             time.Time            `json:"updated_at"`
}

// ActionRecord is the remote store's representation of a micro-action.
type ActionRecord struct {
	ID               string            `json:"id,omitempty"`
	SessionID        string            `json:"session_id"`
	Text             string            `json:"text"`
	EstimatedMinutes int               `json:"estimated_minutes"`
	Confidence       models.Confidence `json:"confidence"`
	IsCustom         bool              `json:"is_custom"`
	OriginalText     string            `json:"original_text,omitempty"`
	OrderIndex       int               `json:"order_index"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// SessionFromLocal builds the wire form of a local session.
func SessionFromLocal(s *models.OfflineSession) SessionRecord {
	return SessionRecord{
		ID:                    s.RemoteID,
		UserID:                s.UserID,
		Goal:                  s.Goal,
		TotalEstimatedMinutes: s.TotalEstimatedMinutes,
		ActualMinutes:         s.ActualMinutes,
		Status:                s.Status,
		CreatedAt:             s.CreatedAt,
		UpdatedAt:             s.UpdatedAt,
	}
}

// ActionFromLocal builds the wire form of a local action.
func ActionFromLocal(a *models.OfflineAction) ActionRecord {
	return ActionRecord{
		ID:               a.RemoteID,
		SessionID:        a.RemoteSessionID,
		Text:             a.Text,
		EstimatedMinutes: a.EstimatedMinutes,
		Confidence:       a.Confidence,
		IsCustom:         a.IsCustom,
		OriginalText:     a.OriginalText,
		OrderIndex:       a.OrderIndex,
		CompletedAt:      a.CompletedAt,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

// ApplyToSession copies the record's fields onto a local session, keeping its
// local id and sync bookkeeping.
func (r SessionRecord) ApplyToSession(s *models.OfflineSession) {
	s.RemoteID = r.ID
	s.UserID = r.UserID
	s.Goal = r.Goal
	s.TotalEstimatedMinutes = r.TotalEstimatedMinutes
	s.ActualMinutes = r.ActualMinutes
	s.Status = r.Status
	if !r.CreatedAt.IsZero() {
		s.CreatedAt = r.CreatedAt
	}
	s.UpdatedAt = r.UpdatedAt
}

// ApplyToAction copies the record's fields onto a local action, keeping its
// local ids and sync bookkeeping.
func (r ActionRecord) ApplyToAction(a *models.OfflineAction) {
	a.RemoteID = r.ID
	a.RemoteSessionID = r.SessionID
	a.Text = r.Text
	a.EstimatedMinutes = r.EstimatedMinutes
	a.Confidence = r.Confidence
	a.IsCustom = r.IsCustom
	a.OriginalText = r.OriginalText
	a.OrderIndex = r.OrderIndex
	a.CompletedAt = r.CompletedAt
	if !r.CreatedAt.IsZero() {
		a.CreatedAt = r.CreatedAt
	}
	a.UpdatedAt = r.UpdatedAt
}
