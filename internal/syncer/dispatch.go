package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/remote"
	"github.com/joescharf/firefly/internal/store"
)

// terminalError marks an operation that can never succeed as queued, such
// as an update whose create was dead-lettered.
type terminalError struct {
	reason string
}

func (e *terminalError) Error() string { return e.reason }

func terminal(format string, args ...any) error {
	return &terminalError{reason: fmt.Sprintf(format, args...)}
}

// call performs the remote effect of op and returns the remote id of the
// affected record. The operation id is the idempotency key.
func (c *Coordinator) call(ctx context.Context, op *models.Operation) (string, error) {
	switch op.Kind.Collection() {
	case models.CollectionSessions:
		var sess models.OfflineSession
		if err := json.Unmarshal(op.Payload, &sess); err != nil {
			return "", terminal("decode session payload: %v", err)
		}
		return c.callSession(ctx, op, &sess)
	default:
		var a models.OfflineAction
		if err := json.Unmarshal(op.Payload, &a); err != nil {
			return "", terminal("decode action payload: %v", err)
		}
		return c.callAction(ctx, op, &a)
	}
}

func (c *Coordinator) callSession(ctx context.Context, op *models.Operation, sess *models.OfflineSession) (string, error) {
	rec := remote.SessionFromLocal(sess)

	if op.Kind == models.OpCreateSession {
		out, err := c.remote.CreateSession(ctx, op.ID, rec)
		if err != nil {
			return "", err
		}
		return out.ID, nil
	}

	id, err := c.sessionRemoteID(ctx, op.TargetID, sess.RemoteID)
	if err != nil {
		return "", err
	}
	out, err := c.remote.UpdateSession(ctx, op.ID, id, rec)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Coordinator) callAction(ctx context.Context, op *models.Operation, a *models.OfflineAction) (string, error) {
	switch op.Kind {
	case models.OpCreateAction:
		sessionID, err := c.sessionRemoteID(ctx, op.EntityKey, a.RemoteSessionID)
		if err != nil {
			return "", err
		}
		out, err := c.remote.CreateAction(ctx, op.ID, sessionID, remote.ActionFromLocal(a))
		if err != nil {
			return "", err
		}
		return out.ID, nil

	case models.OpUpdateAction:
		id, err := c.actionRemoteID(ctx, op.TargetID, a.RemoteID)
		if err != nil {
			return "", err
		}
		rec := remote.ActionFromLocal(a)
		if rec.SessionID == "" {
			if rec.SessionID, err = c.sessionRemoteID(ctx, op.EntityKey, ""); err != nil {
				return "", err
			}
		}
		out, err := c.remote.UpdateAction(ctx, op.ID, id, rec)
		if err != nil {
			return "", err
		}
		return out.ID, nil

	case models.OpDeleteAction:
		id, err := c.actionRemoteID(ctx, op.TargetID, a.RemoteID)
		var term *terminalError
		if errors.As(err, &term) {
			// Never reached the remote store; nothing to delete there.
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return id, c.remote.DeleteAction(ctx, op.ID, id)
	}
	return "", terminal("unsupported operation kind %q", op.Kind)
}

// sessionRemoteID returns known if set, otherwise the bound remote id of the
// local session. A session without one has lost its create.
func (c *Coordinator) sessionRemoteID(ctx context.Context, localID, known string) (string, error) {
	if known != "" {
		return known, nil
	}
	sess, err := c.store.GetSession(ctx, localID)
	if errors.Is(err, store.ErrNotFound) {
		return "", terminal("session %s no longer exists locally", localID)
	}
	if err != nil {
		return "", err
	}
	if sess.RemoteID == "" {
		return "", terminal("session %s was never created remotely", localID)
	}
	return sess.RemoteID, nil
}

func (c *Coordinator) actionRemoteID(ctx context.Context, localID, known string) (string, error) {
	if known != "" {
		return known, nil
	}
	a, err := c.store.GetAction(ctx, localID)
	if errors.Is(err, store.ErrNotFound) {
		return "", terminal("action %s no longer exists locally", localID)
	}
	if err != nil {
		return "", err
	}
	if a.RemoteID == "" {
		return "", terminal("action %s was never created remotely", localID)
	}
	return a.RemoteID, nil
}
