// Package syncer drains the local operation log against the remote store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/reconcile"
	"github.com/joescharf/firefly/internal/remote"
	"github.com/joescharf/firefly/internal/store"
)

// ErrOffline is returned by Flush while the coordinator is offline.
var ErrOffline = errors.New("sync coordinator is offline")

// Remote is the remote store as seen by the coordinator.
type Remote interface {
	CreateSession(ctx context.Context, key string, rec remote.SessionRecord) (*remote.SessionRecord, error)
	UpdateSession(ctx context.Context, key, id string, rec remote.SessionRecord) (*remote.SessionRecord, error)
	CreateAction(ctx context.Context, key, sessionID string, rec remote.ActionRecord) (*remote.ActionRecord, error)
	UpdateAction(ctx context.Context, key, id string, rec remote.ActionRecord) (*remote.ActionRecord, error)
	DeleteAction(ctx context.Context, key, id string) error
	ListSessions(ctx context.Context, userID string) ([]remote.SessionRecord, error)
	ListActions(ctx context.Context, sessionID string) ([]remote.ActionRecord, error)
	Ping(ctx context.Context) error
}

// Escalation describes a failure the user has to see: an operation that
// failed terminally or a local storage failure.
type Escalation struct {
	Op         *models.Operation // nil for storage failures outside an operation
	Reason     string
	StatusCode int
	Err        error
}

// Notifier receives escalations. It is called from drain goroutines and must
// not block for long.
type Notifier interface {
	Escalate(e Escalation)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(e Escalation)

func (f NotifierFunc) Escalate(e Escalation) { f(e) }

// FlushResult summarizes one drain pass.
type FlushResult struct {
	Dispatched   int           `json:"dispatched"`
	Succeeded    int           `json:"succeeded"`
	Retried      int           `json:"retried"`
	DeadLettered int           `json:"dead_lettered"`
	Unreachable  int           `json:"unreachable"` // calls that got no response at all
	Deferred     int           `json:"deferred"`    // not yet due, or blocked behind an earlier operation
	Recovered    int           `json:"recovered"` // in-flight operations from an interrupted pass
	Compacted    int64         `json:"compacted"`
	NextDue      *time.Time    `json:"next_due,omitempty"` // earliest scheduled retry, if any
	Duration     time.Duration `json:"duration"`
}

// Status is a snapshot of coordinator state for UI polling.
type Status struct {
	Online     bool        `json:"online"`
	Running    bool        `json:"running"`
	LastPass   time.Time   `json:"last_pass"`
	LastResult FlushResult `json:"last_result"`
	LastError  string      `json:"last_error,omitempty"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithNotifier sets the escalation sink.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator drives convergence between the local queue and the remote
// store. At most one drain pass runs at a time; chains of independent
// entities are dispatched concurrently up to Config.FanOut.
type Coordinator struct {
	store    store.Store
	remote   Remote
	resolver *reconcile.Resolver
	cfg      Config
	backoff  Backoff
	logger   *slog.Logger
	notifier Notifier
	now      func() time.Time

	passMu sync.Mutex
	wake   chan struct{}

	mu         sync.Mutex
	online     bool
	detached   bool // offline because the run loop found the remote unreachable
	cancelPass context.CancelFunc
	status     Status
}

// New returns a coordinator. It starts online.
func New(st store.Store, rem Remote, resolver *reconcile.Resolver, cfg Config, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		store:    st,
		remote:   rem,
		resolver: resolver,
		cfg:      cfg,
		backoff:  cfg.backoff(),
		logger:   slog.Default(),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		online:   true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status.Online = true
	return c
}

// Notify asks the run loop for a drain pass. It never blocks.
func (c *Coordinator) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// SetOnline records connectivity. Going offline cancels a running pass;
// coming back online triggers one. A coordinator taken offline here stays
// offline until SetOnline(true); only offline periods the run loop detected
// itself end on their own.
func (c *Coordinator) SetOnline(online bool) {
	c.setOnline(online, false)
}

func (c *Coordinator) setOnline(online, detached bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	c.detached = !online && detached
	c.status.Online = online
	cancel := c.cancelPass
	c.mu.Unlock()

	if !online && cancel != nil {
		cancel()
	}
	if online && !was {
		c.logger.Info("connectivity regained")
		c.Notify()
	}
}

// Online reports whether drain passes may run.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Status returns a snapshot for display.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Run drains on every trigger until ctx is done: Notify, SetOnline(true),
// the periodic interval, and the earliest scheduled retry.
//
// A pass in which every dispatched call got no response takes the
// coordinator offline, so queued operations stop spending attempts. While
// offline that way, each tick checks the remote and comes back online once
// it answers.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("sync coordinator started", "interval", c.cfg.Interval, "fan_out", c.cfg.FanOut)
	defer c.logger.Info("sync coordinator stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-c.wake:
		}

		wait := c.cfg.Interval
		if !c.Online() {
			c.checkReachable(ctx)
		}
		if c.Online() {
			res, err := c.Flush(ctx)
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, ErrOffline):
			case err != nil:
				c.logger.Error("drain pass failed", "error", err)
			case res.Dispatched > 0 && res.Unreachable == res.Dispatched:
				c.logger.Warn("remote unreachable, sync paused", "failed_calls", res.Unreachable)
				c.setOnline(false, true)
			case res.NextDue != nil:
				if until := res.NextDue.Sub(c.now()); until < wait {
					wait = max(until, 0)
				}
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// checkReachable ends an offline period the run loop detected once the
// remote answers again.
func (c *Coordinator) checkReachable(ctx context.Context) {
	c.mu.Lock()
	detached := c.detached
	c.mu.Unlock()
	if !detached {
		return
	}
	if err := c.remote.Ping(ctx); err != nil {
		c.logger.Debug("remote still unreachable", "error", err)
		return
	}
	c.mu.Lock()
	if !c.detached {
		// SetOnline was called while the check ran.
		c.mu.Unlock()
		return
	}
	c.online, c.detached = true, false
	c.status.Online = true
	c.mu.Unlock()
	c.logger.Info("connectivity regained")
}

// Flush runs one drain pass and waits for it to finish.
func (c *Coordinator) Flush(ctx context.Context) (*FlushResult, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	c.mu.Lock()
	if !c.online {
		c.mu.Unlock()
		return &FlushResult{}, ErrOffline
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancelPass = cancel
	c.status.Running = true
	c.mu.Unlock()

	start := c.now()
	res, err := c.drain(ctx)
	res.Duration = c.now().Sub(start)
	cancel()

	c.mu.Lock()
	c.cancelPass = nil
	c.status.Running = false
	c.status.LastPass = start
	c.status.LastResult = *res
	c.status.LastError = ""
	if err != nil {
		c.status.LastError = err.Error()
	}
	c.mu.Unlock()

	c.logger.Info("drain pass finished",
		"dispatched", res.Dispatched, "succeeded", res.Succeeded, "retried", res.Retried,
		"dead_lettered", res.DeadLettered, "deferred", res.Deferred, "duration", res.Duration)
	return res, err
}

// Reconcile runs a full reconciliation pass for ownerID. It excludes drain
// passes while it runs.
func (c *Coordinator) Reconcile(ctx context.Context, ownerID string) (*reconcile.Report, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	if !c.Online() {
		return nil, ErrOffline
	}
	return c.resolver.ReconcileOwner(ctx, c.remote, ownerID)
}

// drain reads the log in order, splits it into per-entity chains and runs
// the chains with bounded concurrency.
func (c *Coordinator) drain(ctx context.Context) (*FlushResult, error) {
	res := &passTally{}

	recovered, err := c.store.RecoverInFlight(ctx)
	if err != nil {
		return res.result(), c.storageFailure(nil, err)
	}
	res.r.Recovered = recovered
	if recovered > 0 {
		c.logger.Warn("recovered interrupted operations", "count", recovered)
	}

	chains := make(map[string][]*models.Operation)
	var order []string
	for op, err := range c.store.ListPending(ctx) {
		if err != nil {
			return res.result(), c.storageFailure(nil, err)
		}
		if _, ok := chains[op.EntityKey]; !ok {
			order = append(order, op.EntityKey)
		}
		chains[op.EntityKey] = append(chains[op.EntityKey], op)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.FanOut)
	for _, key := range order {
		chain := chains[key]
		g.Go(func() error {
			return c.runChain(gctx, chain, res)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return res.result(), fmt.Errorf("drain interrupted: %w", ctx.Err())
		}
		return res.result(), err
	}

	compacted, err := c.store.CompactDeleted(ctx)
	if err != nil {
		return res.result(), c.storageFailure(nil, err)
	}
	res.r.Compacted = compacted
	return res.result(), nil
}

// runChain dispatches one entity's operations in order. A retryable failure
// or an operation that is not yet due blocks the rest of the chain for this
// pass; a terminal failure does not.
func (c *Coordinator) runChain(ctx context.Context, chain []*models.Operation, res *passTally) error {
	for i, op := range chain {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !op.Due(c.now()) {
			res.deferred(len(chain)-i, op.NextAttemptAt)
			return nil
		}

		proceed, err := c.dispatch(ctx, op, res)
		if err != nil {
			return err
		}
		if !proceed {
			res.deferred(len(chain)-i-1, nil)
			return nil
		}
	}
	return nil
}

// dispatch moves op through IN_FLIGHT to an outcome. It reports whether
// later operations of the same chain may proceed.
func (c *Coordinator) dispatch(ctx context.Context, op *models.Operation, res *passTally) (bool, error) {
	if err := c.store.MarkInFlight(ctx, op); err != nil {
		return false, c.storageFailure(op, err)
	}
	res.dispatched()

	remoteID, callErr := c.call(ctx, op)
	if callErr == nil {
		if err := c.resolver.Acknowledge(ctx, op, remoteID); err != nil {
			// The remote effect happened; the replay is collapsed by the
			// idempotency key and binding is attempted again.
			c.logger.Warn("acknowledge failed", "op_id", op.ID, "kind", op.Kind, "error", err)
			if errors.Is(err, store.ErrStorageFailure) {
				c.notify(Escalation{Op: op, Reason: "local storage failure", Err: err})
			}
			return false, c.retry(context.WithoutCancel(ctx), op, err, res)
		}
		res.succeeded()
		c.logger.Debug("operation synced", "op_id", op.ID, "kind", op.Kind, "target", op.TargetID, "remote_id", remoteID)
		return true, nil
	}

	if ctx.Err() != nil {
		// Outcome unknown: record a retryable failure outside the canceled context.
		if err := c.retry(context.WithoutCancel(ctx), op, callErr, res); err != nil {
			return false, err
		}
		return false, ctx.Err()
	}

	var term *terminalError
	switch {
	case errors.As(callErr, &term):
		return true, c.deadLetter(ctx, op, term.reason, 0, callErr, res)
	case remote.IsRetryable(callErr):
		if remote.Unreachable(callErr) {
			res.unreachable()
		}
		return false, c.retry(ctx, op, callErr, res)
	default:
		return true, c.deadLetter(ctx, op, callErr.Error(), remote.StatusCode(callErr), callErr, res)
	}
}

// retry schedules op after the backoff delay, or dead-letters it once its
// attempts exceed the maximum.
func (c *Coordinator) retry(ctx context.Context, op *models.Operation, cause error, res *passTally) error {
	attempts := op.Attempts + 1
	if c.backoff.Exhausted(attempts) {
		op.Attempts = attempts
		reason := fmt.Sprintf("retries exhausted after %d attempts: %v", attempts, cause)
		return c.deadLetter(ctx, op, reason, remote.StatusCode(cause), cause, res)
	}

	next := c.now().Add(c.backoff.Delay(attempts))
	if err := c.store.ScheduleRetry(ctx, op, next, cause.Error()); err != nil {
		return c.storageFailure(op, err)
	}
	res.retried(next)
	c.logger.Info("operation will be retried", "op_id", op.ID, "kind", op.Kind,
		"attempts", attempts, "next_attempt_at", next, "error", cause)
	return nil
}

func (c *Coordinator) deadLetter(ctx context.Context, op *models.Operation, reason string, status int, cause error, res *passTally) error {
	if err := c.store.DeadLetter(ctx, op, reason, status); err != nil {
		return c.storageFailure(op, err)
	}
	res.deadLettered()
	c.logger.Warn("operation dead-lettered", "op_id", op.ID, "kind", op.Kind, "target", op.TargetID,
		"status", status, "reason", reason)
	c.notify(Escalation{Op: op, Reason: reason, StatusCode: status, Err: cause})
	return nil
}

func (c *Coordinator) storageFailure(op *models.Operation, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	c.notify(Escalation{Op: op, Reason: "local storage failure", Err: err})
	return err
}

func (c *Coordinator) notify(e Escalation) {
	if c.notifier != nil {
		c.notifier.Escalate(e)
	}
}

// passTally collects FlushResult counters from concurrent chains.
type passTally struct {
	mu sync.Mutex
	r  FlushResult
}

func (t *passTally) dispatched() {
	t.mu.Lock()
	t.r.Dispatched++
	t.mu.Unlock()
}

func (t *passTally) succeeded() {
	t.mu.Lock()
	t.r.Succeeded++
	t.mu.Unlock()
}

func (t *passTally) unreachable() {
	t.mu.Lock()
	t.r.Unreachable++
	t.mu.Unlock()
}

func (t *passTally) deadLettered() {
	t.mu.Lock()
	t.r.DeadLettered++
	t.mu.Unlock()
}

func (t *passTally) retried(next time.Time) {
	t.mu.Lock()
	t.r.Retried++
	t.noteDue(&next)
	t.mu.Unlock()
}

func (t *passTally) deferred(n int, due *time.Time) {
	t.mu.Lock()
	t.r.Deferred += n
	t.noteDue(due)
	t.mu.Unlock()
}

// noteDue must be called with t.mu held.
func (t *passTally) noteDue(due *time.Time) {
	if due == nil {
		return
	}
	if t.r.NextDue == nil || due.Before(*t.r.NextDue) {
		d := *due
		t.r.NextDue = &d
	}
}

func (t *passTally) result() *FlushResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.r
	return &r
}
