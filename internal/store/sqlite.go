package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/firefly/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database. Useful for tests.
const MemoryPath = ":memory:"

// pendingPageSize bounds how many operations ListPending reads per query.
const pendingPageSize = 100

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != MemoryPath {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, storageErr("create db directory", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, storageErr("open database", err)
	}

	// One connection serializes every read and write, so a drain pass and a
	// UI mutation never interleave inside SQLite. It also keeps a :memory:
	// database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, storageErr(pragma, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// NewID generates a new ULID string. Local identifiers and operation ids
// (which double as idempotency keys) are ULIDs.
func NewID() string {
	return ulid.Make().String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func tableFor(c models.Collection) string {
	if c == models.CollectionSessions {
		return "sessions"
	}
	return "actions"
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

// withTx runs fn inside a transaction, rolling back on any error.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return storageErr("create migrations table", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return storageErr("check migration "+name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return storageErr("apply migration "+name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return storageErr("record migration "+name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sessionColumns = `local_id, remote_id, user_id, goal, total_estimated_minutes, actual_minutes, status,
	created_at, updated_at, needs_sync, sync_attempts, last_sync_attempt, deleted`

func scanSession(row rowScanner) (*models.OfflineSession, error) {
	sess := &models.OfflineSession{}
	var status string
	var lastAttempt sql.NullTime
	err := row.Scan(&sess.ID, &sess.RemoteID, &sess.UserID, &sess.Goal, &sess.TotalEstimatedMinutes, &sess.ActualMinutes,
		&status, &sess.CreatedAt, &sess.UpdatedAt, &sess.NeedsSync, &sess.SyncAttempts, &lastAttempt, &sess.Deleted)
	if err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	sess.LastSyncAttempt = timePtr(lastAttempt)
	return sess, nil
}

// PutSession inserts or overwrites a session by local id. An empty RemoteID
// never clears a bound one; sess.RemoteID is refreshed from the stored row.
func (s *SQLiteStore) PutSession(ctx context.Context, sess *models.OfflineSession, opts PutOptions) error {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	if !opts.PreserveSyncState {
		sess.NeedsSync = true
		sess.SyncAttempts = 0
	}
	if !sess.NeedsSync && sess.RemoteID == "" {
		return fmt.Errorf("put session %s: synced without remote id: %w", sess.ID, ErrInvariant)
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			remote_id=COALESCE(NULLIF(excluded.remote_id, ''), sessions.remote_id),
			user_id=excluded.user_id, goal=excluded.goal,
			total_estimated_minutes=excluded.total_estimated_minutes, actual_minutes=excluded.actual_minutes,
			status=excluded.status, updated_at=excluded.updated_at, needs_sync=excluded.needs_sync,
			sync_attempts=excluded.sync_attempts, last_sync_attempt=excluded.last_sync_attempt, deleted=excluded.deleted
		RETURNING remote_id`,
		sess.ID, sess.RemoteID, sess.UserID, sess.Goal, sess.TotalEstimatedMinutes, sess.ActualMinutes,
		string(sess.Status), sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(), boolToInt(sess.NeedsSync), sess.SyncAttempts,
		nullTime(sess.LastSyncAttempt), boolToInt(sess.Deleted),
	).Scan(&sess.RemoteID)
	return storageErr("put session", err)
}

func (s *SQLiteStore) GetSession(ctx context.Context, localID string) (*models.OfflineSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return nil, notFound("session", localID)
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSessionByRemoteID(ctx context.Context, remoteID string) (*models.OfflineSession, error) {
	if remoteID == "" {
		return nil, notFound("session with remote id", remoteID)
	}
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE remote_id = ?`, remoteID))
	if err == sql.ErrNoRows {
		return nil, notFound("session with remote id", remoteID)
	}
	if err != nil {
		return nil, storageErr("get session by remote id", err)
	}
	return sess, nil
}

// ListSessions returns the user's live sessions, newest first. An empty
// userID lists every user's sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*models.OfflineSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE deleted = 0`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, local_id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.OfflineSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("scan session", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, storageErr("list sessions", rows.Err())
}

// --- Actions ---

const actionColumns = `local_id, remote_id, session_local_id, remote_session_id, text, estimated_minutes, confidence,
	is_custom, original_text, order_index, completed_at, created_at, updated_at, needs_sync, sync_attempts,
	last_sync_attempt, deleted`

func scanAction(row rowScanner) (*models.OfflineAction, error) {
	a := &models.OfflineAction{}
	var confidence string
	var completedAt, lastAttempt sql.NullTime
	err := row.Scan(&a.ID, &a.RemoteID, &a.SessionID, &a.RemoteSessionID, &a.Text, &a.EstimatedMinutes, &confidence,
		&a.IsCustom, &a.OriginalText, &a.OrderIndex, &completedAt, &a.CreatedAt, &a.UpdatedAt, &a.NeedsSync,
		&a.SyncAttempts, &lastAttempt, &a.Deleted)
	if err != nil {
		return nil, err
	}
	a.Confidence = models.Confidence(confidence)
	a.CompletedAt = timePtr(completedAt)
	a.LastSyncAttempt = timePtr(lastAttempt)
	return a, nil
}

// PutAction inserts or overwrites an action by local id. The owning session
// must exist locally. Bound remote ids survive a write that carries empty
// ones; a is refreshed from the stored row.
func (s *SQLiteStore) PutAction(ctx context.Context, a *models.OfflineAction, opts PutOptions) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.SessionID == "" {
		return fmt.Errorf("put action %s: missing session: %w", a.ID, ErrInvariant)
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	if !opts.PreserveSyncState {
		a.NeedsSync = true
		a.SyncAttempts = 0
	}
	if !a.NeedsSync && a.RemoteID == "" {
		return fmt.Errorf("put action %s: synced without remote id: %w", a.ID, ErrInvariant)
	}

	return s.withTx(ctx, "put action", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE local_id = ?", a.SessionID).Scan(&exists)
		if err != nil {
			return storageErr("put action", err)
		}
		if exists == 0 {
			return fmt.Errorf("put action %s: %w", a.ID, notFound("session", a.SessionID))
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO actions (`+actionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(local_id) DO UPDATE SET
				remote_id=COALESCE(NULLIF(excluded.remote_id, ''), actions.remote_id),
				session_local_id=excluded.session_local_id,
				remote_session_id=COALESCE(NULLIF(excluded.remote_session_id, ''), actions.remote_session_id),
				text=excluded.text,
				estimated_minutes=excluded.estimated_minutes, confidence=excluded.confidence,
				is_custom=excluded.is_custom, original_text=excluded.original_text, order_index=excluded.order_index,
				completed_at=excluded.completed_at, updated_at=excluded.updated_at, needs_sync=excluded.needs_sync,
				sync_attempts=excluded.sync_attempts, last_sync_attempt=excluded.last_sync_attempt, deleted=excluded.deleted
			RETURNING remote_id, remote_session_id`,
			a.ID, a.RemoteID, a.SessionID, a.RemoteSessionID, a.Text, a.EstimatedMinutes, string(a.Confidence),
			boolToInt(a.IsCustom), a.OriginalText, a.OrderIndex, nullTime(a.CompletedAt), a.CreatedAt.UTC(),
			a.UpdatedAt.UTC(), boolToInt(a.NeedsSync), a.SyncAttempts, nullTime(a.LastSyncAttempt), boolToInt(a.Deleted),
		).Scan(&a.RemoteID, &a.RemoteSessionID)
		return storageErr("put action", err)
	})
}

func (s *SQLiteStore) GetAction(ctx context.Context, localID string) (*models.OfflineAction, error) {
	a, err := scanAction(s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return nil, notFound("action", localID)
	}
	if err != nil {
		return nil, storageErr("get action", err)
	}
	return a, nil
}

func (s *SQLiteStore) GetActionByRemoteID(ctx context.Context, remoteID string) (*models.OfflineAction, error) {
	if remoteID == "" {
		return nil, notFound("action with remote id", remoteID)
	}
	a, err := scanAction(s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE remote_id = ?`, remoteID))
	if err == sql.ErrNoRows {
		return nil, notFound("action with remote id", remoteID)
	}
	if err != nil {
		return nil, storageErr("get action by remote id", err)
	}
	return a, nil
}

// ListActions returns a session's live actions in order index order.
func (s *SQLiteStore) ListActions(ctx context.Context, sessionID string) ([]*models.OfflineAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE session_local_id = ? AND deleted = 0
		ORDER BY order_index, created_at`, sessionID)
	if err != nil {
		return nil, storageErr("list actions", err)
	}
	defer func() { _ = rows.Close() }()

	var actions []*models.OfflineAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, storageErr("scan action", err)
		}
		actions = append(actions, a)
	}
	return actions, storageErr("list actions", rows.Err())
}

// --- Operation log ---

const operationColumns = `seq, id, kind, target_id, entity_key, payload, payload_hash, state, attempts,
	next_attempt_at, last_error, enqueued_at`

func scanOperation(row rowScanner) (*models.Operation, error) {
	op := &models.Operation{}
	var kind, state string
	var nextAttempt sql.NullTime
	err := row.Scan(&op.Seq, &op.ID, &kind, &op.TargetID, &op.EntityKey, &op.Payload, &op.PayloadHash, &state,
		&op.Attempts, &nextAttempt, &op.LastError, &op.EnqueuedAt)
	if err != nil {
		return nil, err
	}
	op.Kind = models.OperationKind(kind)
	op.State = models.OperationState(state)
	op.NextAttemptAt = timePtr(nextAttempt)
	return op, nil
}

// EnqueueOperation appends an operation to the log. If the newest operation
// already queued for the same target has the same kind and a byte-identical
// payload and has not been dispatched yet, it is returned instead and
// created is false. Only the newest operation is considered so that a
// repeated state never collapses onto an older, since-overwritten one.
func (s *SQLiteStore) EnqueueOperation(ctx context.Context, kind models.OperationKind, targetID, entityKey string, payload []byte) (*models.Operation, bool, error) {
	if !kind.Valid() {
		return nil, false, fmt.Errorf("enqueue operation: unknown kind %q", kind)
	}
	if targetID == "" || entityKey == "" {
		return nil, false, fmt.Errorf("enqueue %s: missing target or entity key: %w", kind, ErrInvariant)
	}

	hash := payloadHash(payload)
	var (
		result  *models.Operation
		created bool
	)
	err := s.withTx(ctx, "enqueue operation", func(tx *sql.Tx) error {
		latest, err := scanOperation(tx.QueryRowContext(ctx,
			`SELECT `+operationColumns+` FROM pending_operations WHERE target_id = ? ORDER BY seq DESC LIMIT 1`, targetID))
		if err != nil && err != sql.ErrNoRows {
			return storageErr("enqueue operation", err)
		}
		if latest != nil && latest.Kind == kind && latest.PayloadHash == hash && latest.State == models.OperationPending {
			result = latest
			return nil
		}

		op := &models.Operation{
			ID:          NewID(),
			Kind:        kind,
			TargetID:    targetID,
			EntityKey:   entityKey,
			Payload:     payload,
			PayloadHash: hash,
			State:       models.OperationPending,
			EnqueuedAt:  time.Now().UTC(),
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO pending_operations (id, kind, target_id, entity_key, payload, payload_hash, state, attempts, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			op.ID, string(op.Kind), op.TargetID, op.EntityKey, op.Payload, op.PayloadHash, string(op.State), op.EnqueuedAt,
		)
		if err != nil {
			return storageErr("enqueue operation", err)
		}
		if op.Seq, err = res.LastInsertId(); err != nil {
			return storageErr("enqueue operation", err)
		}
		result, created = op, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func (s *SQLiteStore) pendingPage(ctx context.Context, afterSeq int64, limit int) ([]*models.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM pending_operations WHERE seq > ? ORDER BY seq LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, storageErr("list pending", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, storageErr("scan operation", err)
		}
		ops = append(ops, op)
	}
	return ops, storageErr("list pending", rows.Err())
}

// ListPending yields queued operations in sequence order. Rows are read a
// page at a time and no database handle is held while the caller runs, so
// the consumer may call back into the store between items.
func (s *SQLiteStore) ListPending(ctx context.Context) iter.Seq2[*models.Operation, error] {
	return func(yield func(*models.Operation, error) bool) {
		var after int64
		for {
			page, err := s.pendingPage(ctx, after, pendingPageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, op := range page {
				after = op.Seq
				if !yield(op, nil) {
					return
				}
			}
			if len(page) < pendingPageSize {
				return
			}
		}
	}
}

func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*models.Operation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM pending_operations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("operation", id)
	}
	if err != nil {
		return nil, storageErr("get operation", err)
	}
	return op, nil
}

// RemoveOperation deletes one operation. Removing an absent id is a no-op.
func (s *SQLiteStore) RemoveOperation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_operations WHERE id = ?", id)
	return storageErr("remove operation", err)
}

// MarkInFlight records that op is being dispatched.
func (s *SQLiteStore) MarkInFlight(ctx context.Context, op *models.Operation) error {
	now := time.Now().UTC()
	err := s.withTx(ctx, "mark in flight", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE pending_operations SET state = ? WHERE id = ?", string(models.OperationInFlight), op.ID); err != nil {
			return storageErr("mark in flight", err)
		}
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET last_sync_attempt = ? WHERE local_id = ?", tableFor(op.Kind.Collection())),
			now, op.TargetID)
		return storageErr("mark in flight", err)
	})
	if err == nil {
		op.State = models.OperationInFlight
	}
	return err
}

// ScheduleRetry returns op to pending with one more attempt recorded and
// bumps the target entity's sync_attempts.
func (s *SQLiteStore) ScheduleRetry(ctx context.Context, op *models.Operation, next time.Time, lastErr string) error {
	next = next.UTC()
	err := s.withTx(ctx, "schedule retry", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE pending_operations SET state = ?, attempts = attempts + 1, next_attempt_at = ?, last_error = ?
			WHERE id = ?`, string(models.OperationPending), next, lastErr, op.ID); err != nil {
			return storageErr("schedule retry", err)
		}
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET sync_attempts = sync_attempts + 1 WHERE local_id = ?", tableFor(op.Kind.Collection())),
			op.TargetID)
		return storageErr("schedule retry", err)
	})
	if err == nil {
		op.State = models.OperationPending
		op.Attempts++
		op.NextAttemptAt = &next
		op.LastError = lastErr
	}
	return err
}

// RecoverInFlight returns operations left in flight by a previous process
// to pending. Their outcome is unknown, so each counts as a failed attempt
// on the operation and on its target record.
func (s *SQLiteStore) RecoverInFlight(ctx context.Context) (int, error) {
	var n int64
	err := s.withTx(ctx, "recover in flight", func(tx *sql.Tx) error {
		for _, c := range []struct {
			table string
			kinds []models.OperationKind
		}{
			{"sessions", []models.OperationKind{models.OpCreateSession, models.OpUpdateSession}},
			{"actions", []models.OperationKind{models.OpCreateAction, models.OpUpdateAction, models.OpDeleteAction}},
		} {
			args := []any{string(models.OperationInFlight)}
			marks := make([]string, len(c.kinds))
			for i, k := range c.kinds {
				marks[i] = "?"
				args = append(args, string(k))
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf(
				`UPDATE %s SET sync_attempts = sync_attempts + 1 WHERE local_id IN
				(SELECT target_id FROM pending_operations WHERE state = ? AND kind IN (%s))`,
				c.table, strings.Join(marks, ", ")), args...)
			if err != nil {
				return storageErr("recover in flight", err)
			}
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE pending_operations SET state = ?, attempts = attempts + 1, last_error = 'outcome unknown'
			WHERE state = ?`, string(models.OperationPending), string(models.OperationInFlight))
		if err != nil {
			return storageErr("recover in flight", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CompleteOperation removes an acknowledged update or delete operation.
// The target's needs_sync flag clears once nothing else is queued for it; an
// acknowledged delete_action removes the local row.
func (s *SQLiteStore) CompleteOperation(ctx context.Context, op *models.Operation) error {
	return s.withTx(ctx, "complete operation", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM pending_operations WHERE id = ?", op.ID); err != nil {
			return storageErr("complete operation", err)
		}
		if op.Kind == models.OpDeleteAction {
			_, err := tx.ExecContext(ctx, "DELETE FROM actions WHERE local_id = ?", op.TargetID)
			return storageErr("complete operation", err)
		}
		return storageErr("complete operation", refreshNeedsSync(ctx, tx, tableFor(op.Kind.Collection()), op.TargetID))
	})
}

// refreshNeedsSync clears needs_sync when the record has a remote id and no
// queued operation targets it.
func refreshNeedsSync(ctx context.Context, tx *sql.Tx, table, localID string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET
		needs_sync = CASE
			WHEN remote_id = '' THEN 1
			WHEN EXISTS (SELECT 1 FROM pending_operations WHERE target_id = ?) THEN 1
			ELSE 0 END,
		sync_attempts = 0
		WHERE local_id = ?`, table), localID, localID)
	return err
}

// rewritePayloads sets field to value in the JSON payload of every queued
// operation matched by where.
func rewritePayloads(ctx context.Context, tx *sql.Tx, field, value, where string, args ...any) error {
	rows, err := tx.QueryContext(ctx, "SELECT id, payload FROM pending_operations WHERE "+where, args...)
	if err != nil {
		return err
	}
	type rewrite struct {
		id      string
		payload []byte
	}
	var pending []rewrite
	for rows.Next() {
		var r rewrite
		if err := rows.Scan(&r.id, &r.payload); err != nil {
			_ = rows.Close()
			return err
		}
		pending = append(pending, r)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	for _, r := range pending {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(r.payload, &doc); err != nil {
			return fmt.Errorf("decode payload of %s: %w", r.id, err)
		}
		doc[field] = encoded
		updated, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE pending_operations SET payload = ?, payload_hash = ? WHERE id = ?",
			updated, payloadHash(updated), r.id); err != nil {
			return err
		}
	}
	return nil
}

// BindSession records the remote id assigned to a session by its acknowledged
// create operation. In one transaction it removes the operation, stores the
// remote id, points every action of the session at it and rewrites queued
// payloads that still carry the old reference.
func (s *SQLiteStore) BindSession(ctx context.Context, opID, localID, remoteID string) error {
	if remoteID == "" {
		return fmt.Errorf("bind session %s: empty remote id: %w", localID, ErrInvariant)
	}
	return s.withTx(ctx, "bind session", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE sessions SET remote_id = ? WHERE local_id = ?", remoteID, localID)
		if err != nil {
			return storageErr("bind session", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("bind session: %w", notFound("session", localID))
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM pending_operations WHERE id = ?", opID); err != nil {
			return storageErr("bind session", err)
		}
		if err := refreshNeedsSync(ctx, tx, "sessions", localID); err != nil {
			return storageErr("bind session", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE actions SET remote_session_id = ? WHERE session_local_id = ?", remoteID, localID); err != nil {
			return storageErr("bind session", err)
		}
		if err := rewritePayloads(ctx, tx, "remote_id", remoteID,
			"target_id = ? AND kind IN (?, ?)", localID, string(models.OpCreateSession), string(models.OpUpdateSession)); err != nil {
			return storageErr("bind session", err)
		}
		if err := rewritePayloads(ctx, tx, "remote_session_id", remoteID,
			"entity_key = ? AND kind IN (?, ?, ?)", localID,
			string(models.OpCreateAction), string(models.OpUpdateAction), string(models.OpDeleteAction)); err != nil {
			return storageErr("bind session", err)
		}
		return nil
	})
}

// BindAction records the remote id assigned to an action by its acknowledged
// create operation and rewrites queued payloads for the same action.
func (s *SQLiteStore) BindAction(ctx context.Context, opID, localID, remoteID string) error {
	if remoteID == "" {
		return fmt.Errorf("bind action %s: empty remote id: %w", localID, ErrInvariant)
	}
	return s.withTx(ctx, "bind action", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE actions SET remote_id = ? WHERE local_id = ?", remoteID, localID)
		if err != nil {
			return storageErr("bind action", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("bind action: %w", notFound("action", localID))
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM pending_operations WHERE id = ?", opID); err != nil {
			return storageErr("bind action", err)
		}
		if err := refreshNeedsSync(ctx, tx, "actions", localID); err != nil {
			return storageErr("bind action", err)
		}
		if err := rewritePayloads(ctx, tx, "remote_id", remoteID, "target_id = ?", localID); err != nil {
			return storageErr("bind action", err)
		}
		return nil
	})
}

// --- Dead letters ---

// DeadLetter moves op out of the active queue into the dead-letter set. The
// target entity keeps needs_sync so the failure stays visible.
func (s *SQLiteStore) DeadLetter(ctx context.Context, op *models.Operation, reason string, statusCode int) error {
	return s.withTx(ctx, "dead letter", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO dead_letters (id, seq, kind, target_id, entity_key, payload, payload_hash, attempts, last_error,
				enqueued_at, reason, status_code, dead_lettered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET reason=excluded.reason, status_code=excluded.status_code,
				attempts=excluded.attempts, dead_lettered_at=excluded.dead_lettered_at`,
			op.ID, op.Seq, string(op.Kind), op.TargetID, op.EntityKey, op.Payload, op.PayloadHash, op.Attempts,
			op.LastError, op.EnqueuedAt.UTC(), reason, statusCode, time.Now().UTC(),
		)
		if err != nil {
			return storageErr("dead letter", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM pending_operations WHERE id = ?", op.ID); err != nil {
			return storageErr("dead letter", err)
		}
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET needs_sync = 1, sync_attempts = sync_attempts + 1 WHERE local_id = ?",
				tableFor(op.Kind.Collection())), op.TargetID)
		return storageErr("dead letter", err)
	})
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, kind, target_id, entity_key, payload, payload_hash, attempts, last_error, enqueued_at,
			reason, status_code, dead_lettered_at
		FROM dead_letters ORDER BY dead_lettered_at, seq`)
	if err != nil {
		return nil, storageErr("list dead letters", err)
	}
	defer func() { _ = rows.Close() }()

	var letters []*models.DeadLetter
	for rows.Next() {
		dl := &models.DeadLetter{}
		var kind string
		if err := rows.Scan(&dl.Seq, &dl.ID, &kind, &dl.TargetID, &dl.EntityKey, &dl.Payload, &dl.PayloadHash,
			&dl.Attempts, &dl.LastError, &dl.EnqueuedAt, &dl.Reason, &dl.StatusCode, &dl.DeadLetteredAt); err != nil {
			return nil, storageErr("scan dead letter", err)
		}
		dl.Kind = models.OperationKind(kind)
		letters = append(letters, dl)
	}
	return letters, storageErr("list dead letters", rows.Err())
}

// RequeueDeadLetter puts a dead-lettered operation back at the tail of the
// queue with a fresh attempt budget. It keeps its id, so a create that did
// reach the server is still deduplicated by its idempotency key.
func (s *SQLiteStore) RequeueDeadLetter(ctx context.Context, id string) (*models.Operation, error) {
	var op *models.Operation
	err := s.withTx(ctx, "requeue dead letter", func(tx *sql.Tx) error {
		var kind string
		found := &models.Operation{}
		err := tx.QueryRowContext(ctx,
			`SELECT id, kind, target_id, entity_key, payload, payload_hash, enqueued_at FROM dead_letters WHERE id = ?`, id,
		).Scan(&found.ID, &kind, &found.TargetID, &found.EntityKey, &found.Payload, &found.PayloadHash, &found.EnqueuedAt)
		if err == sql.ErrNoRows {
			return notFound("dead letter", id)
		}
		if err != nil {
			return storageErr("requeue dead letter", err)
		}
		found.Kind = models.OperationKind(kind)
		found.State = models.OperationPending

		res, err := tx.ExecContext(ctx,
			`INSERT INTO pending_operations (id, kind, target_id, entity_key, payload, payload_hash, state, attempts, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			found.ID, kind, found.TargetID, found.EntityKey, found.Payload, found.PayloadHash, string(found.State), found.EnqueuedAt,
		)
		if err != nil {
			return storageErr("requeue dead letter", err)
		}
		if found.Seq, err = res.LastInsertId(); err != nil {
			return storageErr("requeue dead letter", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM dead_letters WHERE id = ?", id); err != nil {
			return storageErr("requeue dead letter", err)
		}
		op = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

// DiscardDeadLetter drops a dead letter. Discarding an absent id is a no-op.
func (s *SQLiteStore) DiscardDeadLetter(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters WHERE id = ?", id)
	return storageErr("discard dead letter", err)
}

// --- Housekeeping ---

// CompactDeleted removes deleted actions that no queued or dead-lettered
// operation targets, then purged sessions (and, by cascade, their actions)
// once no queued operation belongs to them.
func (s *SQLiteStore) CompactDeleted(ctx context.Context) (int64, error) {
	var total int64
	err := s.withTx(ctx, "compact deleted", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM actions WHERE deleted = 1
			AND NOT EXISTS (SELECT 1 FROM pending_operations p WHERE p.target_id = actions.local_id)
			AND NOT EXISTS (SELECT 1 FROM dead_letters d WHERE d.target_id = actions.local_id)`)
		if err != nil {
			return storageErr("compact deleted", err)
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE deleted = 1
			AND NOT EXISTS (SELECT 1 FROM pending_operations p WHERE p.entity_key = sessions.local_id)`)
		if err != nil {
			return storageErr("compact deleted", err)
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// QueueStats summarizes the operation log for status displays.
func (s *SQLiteStore) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN state = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'in_flight' THEN 1 ELSE 0 END), 0)
		FROM pending_operations`,
	).Scan(&stats.Pending, &stats.InFlight)
	if err != nil {
		return nil, storageErr("queue stats", err)
	}

	var oldest time.Time
	err = s.db.QueryRowContext(ctx,
		"SELECT enqueued_at FROM pending_operations ORDER BY enqueued_at LIMIT 1").Scan(&oldest)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, storageErr("queue stats", err)
	default:
		stats.Oldest = &oldest
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters").Scan(&stats.DeadLetters); err != nil {
		return nil, storageErr("queue stats", err)
	}
	return stats, nil
}
