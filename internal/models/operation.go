package models

import "time"

// OperationKind identifies the remote effect a queued operation stands for.
type OperationKind string

const (
	OpCreateSession OperationKind = "create_session"
	OpUpdateSession OperationKind = "update_session"
	OpCreateAction  OperationKind = "create_action"
	OpUpdateAction  OperationKind = "update_action"
	OpDeleteAction  OperationKind = "delete_action"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreateSession, OpUpdateSession, OpCreateAction, OpUpdateAction, OpDeleteAction:
		return true
	}
	return false
}

// Collection returns the local collection the operation's target lives in.
func (k OperationKind) Collection() Collection {
	switch k {
	case OpCreateSession, OpUpdateSession:
		return CollectionSessions
	default:
		return CollectionActions
	}
}

// IsCreate reports whether the operation creates a remote record.
func (k OperationKind) IsCreate() bool {
	return k == OpCreateSession || k == OpCreateAction
}

// Collection names a local entity table.
type Collection string

const (
	CollectionSessions Collection = "sessions"
	CollectionActions  Collection = "actions"
)

// OperationState is the persisted part of an operation's sync state machine.
// SUCCEEDED and FAILED_TERMINAL are not stored: the former removes the
// operation, the latter moves it to the dead-letter set.
type OperationState string

const (
	OperationPending  OperationState = "pending"
	OperationInFlight OperationState = "in_flight"
)

// Operation is an append-only log entry describing one unsynced mutation.
type Operation struct {
	ID            string         `json:"id"`
	Seq           int64          `json:"seq"`
	Kind          OperationKind  `json:"kind"`
	TargetID      string         `json:"target_id"`  // local id of the affected entity
	EntityKey     string         `json:"entity_key"` // local id of the owning session; orders the chain
	Payload       []byte         `json:"-"`          // JSON of the entity's local state at enqueue time
	PayloadHash   string         `json:"payload_hash"`
	State         OperationState `json:"state"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
}

// Due reports whether the operation may be attempted at now.
func (o *Operation) Due(now time.Time) bool {
	return o.NextAttemptAt == nil || !o.NextAttemptAt.After(now)
}

// DeadLetter is an operation that failed terminally, retained for diagnostics.
type DeadLetter struct {
	Operation
	Reason         string    `json:"reason"`
	StatusCode     int       `json:"status_code,omitempty"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// QueueStats summarizes the pending-operation log.
type QueueStats struct {
	Pending     int        `json:"pending"`
	InFlight    int        `json:"in_flight"`
	DeadLetters int        `json:"dead_letters"`
	Oldest      *time.Time `json:"oldest,omitempty"`
}
