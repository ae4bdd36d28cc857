package store

import (
	"context"
	"iter"
	"time"

	"github.com/joescharf/firefly/internal/models"
)

// PutOptions controls how Put* treats a record's sync bookkeeping.
type PutOptions struct {
	// PreserveSyncState writes NeedsSync, SyncAttempts and LastSyncAttempt as
	// given instead of flagging the record dirty. Used when folding remote
	// state into the cache.
	PreserveSyncState bool
}

// Store is the local durable queue: cached entities plus the pending
// operation log. It is the only write path for locally originated mutations
// and never touches the network.
type Store interface {
	// Sessions
	PutSession(ctx context.Context, s *models.OfflineSession, opts PutOptions) error
	GetSession(ctx context.Context, localID string) (*models.OfflineSession, error)
	GetSessionByRemoteID(ctx context.Context, remoteID string) (*models.OfflineSession, error)
	ListSessions(ctx context.Context, userID string) ([]*models.OfflineSession, error)

	// Actions
	PutAction(ctx context.Context, a *models.OfflineAction, opts PutOptions) error
	GetAction(ctx context.Context, localID string) (*models.OfflineAction, error)
	GetActionByRemoteID(ctx context.Context, remoteID string) (*models.OfflineAction, error)
	ListActions(ctx context.Context, sessionID string) ([]*models.OfflineAction, error)

	// Operation log
	EnqueueOperation(ctx context.Context, kind models.OperationKind, targetID, entityKey string, payload []byte) (*models.Operation, bool, error)
	ListPending(ctx context.Context) iter.Seq2[*models.Operation, error]
	GetOperation(ctx context.Context, id string) (*models.Operation, error)
	RemoveOperation(ctx context.Context, id string) error
	MarkInFlight(ctx context.Context, op *models.Operation) error
	ScheduleRetry(ctx context.Context, op *models.Operation, next time.Time, lastErr string) error
	RecoverInFlight(ctx context.Context) (int, error)
	CompleteOperation(ctx context.Context, op *models.Operation) error
	QueueStats(ctx context.Context) (*models.QueueStats, error)

	// Identifier binding, reserved for the reconciliation resolver.
	BindSession(ctx context.Context, opID, localID, remoteID string) error
	BindAction(ctx context.Context, opID, localID, remoteID string) error

	// Dead letters
	DeadLetter(ctx context.Context, op *models.Operation, reason string, statusCode int) error
	ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, id string) (*models.Operation, error)
	DiscardDeadLetter(ctx context.Context, id string) error

	// Housekeeping
	CompactDeleted(ctx context.Context) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
