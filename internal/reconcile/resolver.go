// Package reconcile folds authoritative remote state into the local cache:
// it binds server-assigned identifiers to offline-created records and
// resolves conflicting edits by last-writer-wins.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/remote"
	"github.com/joescharf/firefly/internal/store"
)

// ErrBindIncomplete is returned when an identifier binding could not be
// committed. Nothing was written; the caller should retry the operation.
var ErrBindIncomplete = errors.New("identifier binding incomplete")

// Fetcher is the query-by-owner side of the remote store.
type Fetcher interface {
	ListSessions(ctx context.Context, userID string) ([]remote.SessionRecord, error)
	ListActions(ctx context.Context, sessionID string) ([]remote.ActionRecord, error)
}

// Resolver is the only component allowed to overwrite a local identifier
// mapping with a remote-assigned one.
type Resolver struct {
	store  store.Store
	logger *slog.Logger
}

// New returns a Resolver over st. A nil logger uses slog.Default().
func New(st store.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: st, logger: logger}
}

// BindSession records remoteID for the session created by op and rewrites
// every local reference to it in one transaction.
func (r *Resolver) BindSession(ctx context.Context, op *models.Operation, remoteID string) error {
	if err := r.store.BindSession(ctx, op.ID, op.TargetID, remoteID); err != nil {
		return fmt.Errorf("%w: session %s: %w", ErrBindIncomplete, op.TargetID, err)
	}
	r.logger.Debug("bound session", "local_id", op.TargetID, "remote_id", remoteID)
	return nil
}

// BindAction records remoteID for the action created by op.
func (r *Resolver) BindAction(ctx context.Context, op *models.Operation, remoteID string) error {
	if err := r.store.BindAction(ctx, op.ID, op.TargetID, remoteID); err != nil {
		return fmt.Errorf("%w: action %s: %w", ErrBindIncomplete, op.TargetID, err)
	}
	r.logger.Debug("bound action", "local_id", op.TargetID, "remote_id", remoteID)
	return nil
}

// Acknowledge applies a successful remote call for op. Creates bind the
// returned identifier; updates and deletes retire the operation.
func (r *Resolver) Acknowledge(ctx context.Context, op *models.Operation, remoteID string) error {
	switch op.Kind {
	case models.OpCreateSession:
		return r.BindSession(ctx, op, remoteID)
	case models.OpCreateAction:
		return r.BindAction(ctx, op, remoteID)
	default:
		if err := r.store.CompleteOperation(ctx, op); err != nil {
			return fmt.Errorf("complete %s %s: %w", op.Kind, op.ID, err)
		}
		return nil
	}
}

// Report summarizes a full reconciliation pass.
type Report struct {
	Inserted  int `json:"inserted"`   // remote-only records added to the cache
	Updated   int `json:"updated"`    // synced local records refreshed from remote
	Conflicts int `json:"conflicts"`  // records dirty on both sides
	LocalWins int `json:"local_wins"` // conflicts resolved in favour of the local copy
	Removed   int `json:"removed"`    // synced local records no longer present remotely
}

// ReconcileOwner fetches every session (and its actions) the remote store
// holds for ownerID and folds them into the local cache.
func (r *Resolver) ReconcileOwner(ctx context.Context, fetcher Fetcher, ownerID string) (*Report, error) {
	remoteSessions, err := fetcher.ListSessions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("fetch sessions: %w", err)
	}

	report := &Report{}
	seen := make(map[string]bool, len(remoteSessions))
	for _, rec := range remoteSessions {
		seen[rec.ID] = true
		sess, err := r.foldSession(ctx, rec, report)
		if err != nil {
			return report, err
		}
		if sess == nil {
			continue
		}

		actions, err := fetcher.ListActions(ctx, rec.ID)
		if err != nil {
			return report, fmt.Errorf("fetch actions of %s: %w", rec.ID, err)
		}
		if err := r.foldActions(ctx, sess, actions, report); err != nil {
			return report, err
		}
	}

	locals, err := r.store.ListSessions(ctx, ownerID)
	if err != nil {
		return report, err
	}
	for _, sess := range locals {
		if sess.RemoteID == "" || sess.NeedsSync || seen[sess.RemoteID] {
			continue
		}
		sess.Deleted = true
		if err := r.store.PutSession(ctx, sess, store.PutOptions{PreserveSyncState: true}); err != nil {
			return report, err
		}
		report.Removed++
	}

	r.logger.Info("reconciled owner", "owner", ownerID,
		"inserted", report.Inserted, "updated", report.Updated,
		"conflicts", report.Conflicts, "local_wins", report.LocalWins, "removed", report.Removed)
	return report, nil
}

// foldSession returns the local session rec now maps to, or nil when the
// session was purged locally.
func (r *Resolver) foldSession(ctx context.Context, rec remote.SessionRecord, report *Report) (*models.OfflineSession, error) {
	local, err := r.store.GetSessionByRemoteID(ctx, rec.ID)
	if errors.Is(err, store.ErrNotFound) {
		sess := &models.OfflineSession{ID: store.NewID()}
		rec.ApplyToSession(sess)
		if err := r.store.PutSession(ctx, sess, store.PutOptions{PreserveSyncState: true}); err != nil {
			return nil, err
		}
		report.Inserted++
		return sess, nil
	}
	if err != nil {
		return nil, err
	}
	if local.Deleted {
		return nil, nil
	}

	candidate := *local
	rec.ApplyToSession(&candidate)

	if !local.NeedsSync {
		if !sameSession(&candidate, local) {
			if err := r.store.PutSession(ctx, &candidate, store.PutOptions{PreserveSyncState: true}); err != nil {
				return nil, err
			}
			report.Updated++
		}
		return &candidate, nil
	}

	report.Conflicts++
	winner, side := Merge(local, &candidate)
	r.logger.Info("session conflict resolved", "local_id", local.ID, "remote_id", rec.ID, "winner", side.String(),
		"local_updated_at", local.UpdatedAt, "remote_updated_at", rec.UpdatedAt)
	if side == Local {
		report.LocalWins++
		return winner, nil
	}
	if err := r.discardQueuedUpdates(ctx, winner.ID, models.OpUpdateSession); err != nil {
		return nil, err
	}
	winner.NeedsSync, err = r.hasQueued(ctx, winner.ID)
	if err != nil {
		return nil, err
	}
	if err := r.store.PutSession(ctx, winner, store.PutOptions{PreserveSyncState: true}); err != nil {
		return nil, err
	}
	return winner, nil
}

func (r *Resolver) foldActions(ctx context.Context, sess *models.OfflineSession, records []remote.ActionRecord, report *Report) error {
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		seen[rec.ID] = true

		local, err := r.store.GetActionByRemoteID(ctx, rec.ID)
		if errors.Is(err, store.ErrNotFound) {
			a := &models.OfflineAction{ID: store.NewID(), SessionID: sess.ID}
			rec.ApplyToAction(a)
			if err := r.store.PutAction(ctx, a, store.PutOptions{PreserveSyncState: true}); err != nil {
				return err
			}
			report.Inserted++
			continue
		}
		if err != nil {
			return err
		}
		if local.Deleted {
			continue
		}

		candidate := *local
		rec.ApplyToAction(&candidate)

		if !local.NeedsSync {
			if !sameAction(&candidate, local) {
				if err := r.store.PutAction(ctx, &candidate, store.PutOptions{PreserveSyncState: true}); err != nil {
					return err
				}
				report.Updated++
			}
			continue
		}

		report.Conflicts++
		winner, side := Merge(local, &candidate)
		r.logger.Info("action conflict resolved", "local_id", local.ID, "remote_id", rec.ID, "winner", side.String())
		if side == Local {
			report.LocalWins++
			continue
		}
		if err := r.discardQueuedUpdates(ctx, winner.ID, models.OpUpdateAction); err != nil {
			return err
		}
		if winner.NeedsSync, err = r.hasQueued(ctx, winner.ID); err != nil {
			return err
		}
		if err := r.store.PutAction(ctx, winner, store.PutOptions{PreserveSyncState: true}); err != nil {
			return err
		}
	}

	locals, err := r.store.ListActions(ctx, sess.ID)
	if err != nil {
		return err
	}
	for _, a := range locals {
		if a.RemoteID == "" || a.NeedsSync || seen[a.RemoteID] {
			continue
		}
		a.Deleted = true
		if err := r.store.PutAction(ctx, a, store.PutOptions{PreserveSyncState: true}); err != nil {
			return err
		}
		report.Removed++
	}
	return r.normalizeOrder(ctx, sess.ID)
}

// normalizeOrder restores contiguous order indices after remote actions were
// folded in. Renumbered actions are queued for update.
func (r *Resolver) normalizeOrder(ctx context.Context, sessionID string) error {
	actions, err := r.store.ListActions(ctx, sessionID)
	if err != nil {
		return err
	}
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].OrderIndex != actions[j].OrderIndex {
			return actions[i].OrderIndex < actions[j].OrderIndex
		}
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
	for i, a := range actions {
		if a.OrderIndex == i {
			continue
		}
		a.OrderIndex = i
		if err := r.store.PutAction(ctx, a, store.PutOptions{}); err != nil {
			return err
		}
		payload, err := a.SyncPayload()
		if err != nil {
			return fmt.Errorf("encode action %s: %w", a.ID, err)
		}
		if _, _, err := r.store.EnqueueOperation(ctx, models.OpUpdateAction, a.ID, sessionID, payload); err != nil {
			return err
		}
	}
	return nil
}

// discardQueuedUpdates drops not-yet-dispatched updates for targetID whose
// state lost a last-writer-wins merge.
func (r *Resolver) discardQueuedUpdates(ctx context.Context, targetID string, kind models.OperationKind) error {
	var stale []string
	for op, err := range r.store.ListPending(ctx) {
		if err != nil {
			return err
		}
		if op.TargetID == targetID && op.Kind == kind && op.State == models.OperationPending {
			stale = append(stale, op.ID)
		}
	}
	for _, id := range stale {
		if err := r.store.RemoveOperation(ctx, id); err != nil {
			return err
		}
		r.logger.Info("discarded superseded operation", "op_id", id, "target", targetID)
	}
	return nil
}

func (r *Resolver) hasQueued(ctx context.Context, targetID string) (bool, error) {
	for op, err := range r.store.ListPending(ctx) {
		if err != nil {
			return false, err
		}
		if op.TargetID == targetID {
			return true, nil
		}
	}
	return false, nil
}

func sameAction(a, b *models.OfflineAction) bool {
	if (a.CompletedAt == nil) != (b.CompletedAt == nil) {
		return false
	}
	if a.CompletedAt != nil && !a.CompletedAt.Equal(*b.CompletedAt) {
		return false
	}
	return a.RemoteID == b.RemoteID && a.RemoteSessionID == b.RemoteSessionID && a.Text == b.Text &&
		a.EstimatedMinutes == b.EstimatedMinutes && a.Confidence == b.Confidence && a.IsCustom == b.IsCustom &&
		a.OriginalText == b.OriginalText && a.OrderIndex == b.OrderIndex && a.UpdatedAt.Equal(b.UpdatedAt)
}

func sameSession(a, b *models.OfflineSession) bool {
	return a.RemoteID == b.RemoteID && a.UserID == b.UserID && a.Goal == b.Goal &&
		a.TotalEstimatedMinutes == b.TotalEstimatedMinutes && a.ActualMinutes == b.ActualMinutes &&
		a.Status == b.Status && a.UpdatedAt.Equal(b.UpdatedAt)
}
