package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/store"
)

// ActionEdit holds the fields to change on an action. Nil fields are kept.
type ActionEdit struct {
	Text             *string
	EstimatedMinutes *int
	Confidence       *models.Confidence
}

// ListActions returns a session's live actions in order.
func (e *Engine) ListActions(ctx context.Context, sessionID string) ([]*models.OfflineAction, error) {
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.store.ListActions(ctx, sessionID)
}

// GetAction returns a live action.
func (e *Engine) GetAction(ctx context.Context, id string) (*models.OfflineAction, error) {
	a, err := e.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Deleted {
		return nil, fmt.Errorf("action %s: %w", id, store.ErrNotFound)
	}
	return a, nil
}

// AddAction appends a user-written action to the end of a session.
func (e *Engine) AddAction(ctx context.Context, sessionID string, d ActionDraft) (*models.OfflineAction, error) {
	if d.Confidence == "" {
		d.Confidence = models.ConfidenceMedium
	}
	if err := validateDraft(d); err != nil {
		return nil, err
	}
	unlock := e.lock(sessionID)
	defer unlock()

	sess, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	existing, err := e.store.ListActions(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	a := &models.OfflineAction{
		ID:               store.NewID(),
		SessionID:        sessionID,
		RemoteSessionID:  sess.RemoteID,
		Text:             strings.TrimSpace(d.Text),
		EstimatedMinutes: d.EstimatedMinutes,
		Confidence:       d.Confidence,
		IsCustom:         true,
		OrderIndex:       len(existing),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.saveAction(ctx, a, models.OpCreateAction); err != nil {
		return nil, err
	}
	if err := e.retotal(ctx, sess, append(existing, a)); err != nil {
		return nil, err
	}
	e.notify()
	return a, nil
}

// EditAction changes an action's text, estimate or confidence. The first
// text edit of a generated action marks it custom and keeps the generated
// text as the original.
func (e *Engine) EditAction(ctx context.Context, id string, edit ActionEdit) (*models.OfflineAction, error) {
	var updated *models.OfflineAction
	err := e.withAction(ctx, id, func(a *models.OfflineAction, siblings []*models.OfflineAction, sess *models.OfflineSession) error {
		changed := false
		if edit.Text != nil {
			text := strings.TrimSpace(*edit.Text)
			if text == "" {
				return invalid("action text is required")
			}
			if text != a.Text {
				if !a.IsCustom {
					a.IsCustom = true
					a.OriginalText = a.Text
				}
				a.Text = text
				changed = true
			}
		}
		estimateChanged := false
		if edit.EstimatedMinutes != nil && *edit.EstimatedMinutes != a.EstimatedMinutes {
			if *edit.EstimatedMinutes < 0 {
				return invalid("estimated minutes must not be negative")
			}
			a.EstimatedMinutes = *edit.EstimatedMinutes
			changed, estimateChanged = true, true
		}
		if edit.Confidence != nil && *edit.Confidence != a.Confidence {
			if !edit.Confidence.Valid() {
				return invalid("unknown confidence %q", *edit.Confidence)
			}
			a.Confidence = *edit.Confidence
			changed = true
		}
		updated = a
		if !changed {
			return nil
		}

		a.UpdatedAt = e.now()
		if err := e.saveAction(ctx, a, models.OpUpdateAction); err != nil {
			return err
		}
		if estimateChanged {
			return e.retotal(ctx, sess, siblings)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CompleteAction stamps an action done. Completing a completed action is a
// no-op.
func (e *Engine) CompleteAction(ctx context.Context, id string) (*models.OfflineAction, error) {
	var updated *models.OfflineAction
	err := e.withAction(ctx, id, func(a *models.OfflineAction, _ []*models.OfflineAction, _ *models.OfflineSession) error {
		updated = a
		if a.Completed() {
			return nil
		}
		now := e.now()
		a.CompletedAt = &now
		a.UpdatedAt = now
		return e.saveAction(ctx, a, models.OpUpdateAction)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MoveAction moves an action to position to, shifting the actions between
// its old and new position. Positions stay contiguous from zero.
func (e *Engine) MoveAction(ctx context.Context, id string, to int) (*models.OfflineAction, error) {
	var moved *models.OfflineAction
	err := e.withAction(ctx, id, func(a *models.OfflineAction, siblings []*models.OfflineAction, _ *models.OfflineSession) error {
		if to < 0 || to >= len(siblings) {
			return invalid("position %d out of range [0, %d)", to, len(siblings))
		}
		from := indexOf(siblings, a.ID)
		ordered := make([]*models.OfflineAction, 0, len(siblings))
		ordered = append(ordered, siblings[:from]...)
		ordered = append(ordered, siblings[from+1:]...)
		ordered = append(ordered[:to], append([]*models.OfflineAction{a}, ordered[to:]...)...)
		moved = a
		return e.reindex(ctx, ordered)
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// DeleteAction removes an action and closes the gap in the session's order.
func (e *Engine) DeleteAction(ctx context.Context, id string) error {
	return e.withAction(ctx, id, func(a *models.OfflineAction, siblings []*models.OfflineAction, sess *models.OfflineSession) error {
		a.Deleted = true
		a.UpdatedAt = e.now()
		if err := e.saveAction(ctx, a, models.OpDeleteAction); err != nil {
			return err
		}
		rest := make([]*models.OfflineAction, 0, len(siblings)-1)
		for _, s := range siblings {
			if s.ID != a.ID {
				rest = append(rest, s)
			}
		}
		if err := e.reindex(ctx, rest); err != nil {
			return err
		}
		return e.retotal(ctx, sess, rest)
	})
}

// withAction loads a live action with its session and ordered siblings under
// the session lock, runs fn and signals the coordinator if fn succeeds.
func (e *Engine) withAction(ctx context.Context, id string, fn func(a *models.OfflineAction, siblings []*models.OfflineAction, sess *models.OfflineSession) error) error {
	a, err := e.GetAction(ctx, id)
	if err != nil {
		return err
	}
	unlock := e.lock(a.SessionID)
	defer unlock()

	sess, err := e.GetSession(ctx, a.SessionID)
	if err != nil {
		return err
	}
	siblings, err := e.store.ListActions(ctx, a.SessionID)
	if err != nil {
		return err
	}
	i := indexOf(siblings, id)
	if i < 0 {
		return fmt.Errorf("action %s: %w", id, store.ErrNotFound)
	}
	if err := fn(siblings[i], siblings, sess); err != nil {
		return err
	}
	e.notify()
	return nil
}

// reindex assigns positions 0..n-1 in slice order and queues an update for
// every action whose position changed.
func (e *Engine) reindex(ctx context.Context, ordered []*models.OfflineAction) error {
	now := e.now()
	for i, a := range ordered {
		if a.OrderIndex == i {
			continue
		}
		a.OrderIndex = i
		a.UpdatedAt = now
		if err := e.saveAction(ctx, a, models.OpUpdateAction); err != nil {
			return err
		}
	}
	return nil
}

// retotal keeps the session estimate equal to the sum of its live actions.
func (e *Engine) retotal(ctx context.Context, sess *models.OfflineSession, actions []*models.OfflineAction) error {
	total := 0
	for _, a := range actions {
		total += a.EstimatedMinutes
	}
	if total == sess.TotalEstimatedMinutes {
		return nil
	}
	sess.TotalEstimatedMinutes = total
	sess.UpdatedAt = e.now()
	return e.saveSession(ctx, sess, models.OpUpdateSession)
}

func indexOf(actions []*models.OfflineAction, id string) int {
	for i, a := range actions {
		if a.ID == id {
			return i
		}
	}
	return -1
}
