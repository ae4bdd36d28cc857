package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/store"
)

// ActionDraft is a proposed micro-action, typically from goal decomposition.
type ActionDraft struct {
	Text             string            `json:"text"`
	EstimatedMinutes int               `json:"estimated_minutes"`
	Confidence       models.Confidence `json:"confidence"`
}

// StartSession creates an active session for goal with drafts as its initial
// actions, in order. The session's estimate is the sum of the drafts'.
func (e *Engine) StartSession(ctx context.Context, userID, goal string, drafts []ActionDraft) (*models.OfflineSession, []*models.OfflineAction, error) {
	goal = strings.TrimSpace(goal)
	if userID == "" {
		return nil, nil, invalid("user id is required")
	}
	if goal == "" {
		return nil, nil, invalid("goal is required")
	}
	total := 0
	for i, d := range drafts {
		if err := validateDraft(d); err != nil {
			return nil, nil, fmt.Errorf("action %d: %w", i, err)
		}
		total += d.EstimatedMinutes
	}

	now := e.now()
	sess := &models.OfflineSession{
		ID:                    store.NewID(),
		UserID:                userID,
		Goal:                  goal,
		TotalEstimatedMinutes: total,
		Status:                models.SessionStatusActive,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	unlock := e.lock(sess.ID)
	defer unlock()

	if err := e.saveSession(ctx, sess, models.OpCreateSession); err != nil {
		return nil, nil, err
	}
	actions := make([]*models.OfflineAction, 0, len(drafts))
	for i, d := range drafts {
		a := &models.OfflineAction{
			ID:               store.NewID(),
			SessionID:        sess.ID,
			Text:             strings.TrimSpace(d.Text),
			EstimatedMinutes: d.EstimatedMinutes,
			Confidence:       d.Confidence,
			OrderIndex:       i,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := e.saveAction(ctx, a, models.OpCreateAction); err != nil {
			return nil, nil, err
		}
		actions = append(actions, a)
	}
	e.notify()

	e.logger.Info("session started", "session", sess.ID, "actions", len(actions))
	return sess, actions, nil
}

// GetSession returns a live session.
func (e *Engine) GetSession(ctx context.Context, id string) (*models.OfflineSession, error) {
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Deleted {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return sess, nil
}

// ListSessions returns the live sessions of userID, newest first. An empty
// userID lists every user's.
func (e *Engine) ListSessions(ctx context.Context, userID string) ([]*models.OfflineSession, error) {
	return e.store.ListSessions(ctx, userID)
}

// PauseSession moves an active session to paused.
func (e *Engine) PauseSession(ctx context.Context, id string) (*models.OfflineSession, error) {
	return e.transition(ctx, id, models.SessionStatusPaused, models.SessionStatusActive)
}

// ResumeSession moves a paused session back to active.
func (e *Engine) ResumeSession(ctx context.Context, id string) (*models.OfflineSession, error) {
	return e.transition(ctx, id, models.SessionStatusActive, models.SessionStatusPaused)
}

// CompleteSession closes an active or paused session. Completed is final.
func (e *Engine) CompleteSession(ctx context.Context, id string) (*models.OfflineSession, error) {
	return e.transition(ctx, id, models.SessionStatusCompleted, models.SessionStatusActive, models.SessionStatusPaused)
}

func (e *Engine) transition(ctx context.Context, id string, target models.SessionStatus, from ...models.SessionStatus) (*models.OfflineSession, error) {
	unlock := e.lock(id)
	defer unlock()

	sess, err := e.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, s := range from {
		if sess.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("session %s is %s, cannot become %s: %w", id, sess.Status, target, ErrInvalidTransition)
	}

	sess.Status = target
	sess.UpdatedAt = e.now()
	if err := e.saveSession(ctx, sess, models.OpUpdateSession); err != nil {
		return nil, err
	}
	e.notify()
	return sess, nil
}

// RecordProgress adds focused minutes to a session's actual time.
func (e *Engine) RecordProgress(ctx context.Context, id string, minutes int) (*models.OfflineSession, error) {
	if minutes <= 0 {
		return nil, invalid("minutes must be positive, got %d", minutes)
	}
	unlock := e.lock(id)
	defer unlock()

	sess, err := e.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.ActualMinutes += minutes
	sess.UpdatedAt = e.now()
	if err := e.saveSession(ctx, sess, models.OpUpdateSession); err != nil {
		return nil, err
	}
	e.notify()
	return sess, nil
}

// PurgeSession removes a session from the device. Its actions are queued
// for remote deletion; the session row is compacted once nothing queued
// refers to it.
func (e *Engine) PurgeSession(ctx context.Context, id string) error {
	unlock := e.lock(id)
	defer unlock()

	sess, err := e.GetSession(ctx, id)
	if err != nil {
		return err
	}
	actions, err := e.store.ListActions(ctx, id)
	if err != nil {
		return err
	}
	now := e.now()
	for _, a := range actions {
		a.Deleted = true
		a.UpdatedAt = now
		if err := e.saveAction(ctx, a, models.OpDeleteAction); err != nil {
			return err
		}
	}

	sess.Deleted = true
	sess.UpdatedAt = now
	if err := e.store.PutSession(ctx, sess, store.PutOptions{}); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	e.notify()

	e.logger.Info("session purged", "session", id, "actions", len(actions))
	return nil
}

func validateDraft(d ActionDraft) error {
	if strings.TrimSpace(d.Text) == "" {
		return invalid("action text is required")
	}
	if d.EstimatedMinutes < 0 {
		return invalid("estimated minutes must not be negative")
	}
	if !d.Confidence.Valid() {
		return invalid("unknown confidence %q", d.Confidence)
	}
	return nil
}
