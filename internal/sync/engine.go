package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/mbellard/ledgersync/internal/api"
	"github.com/mbellard/ledgersync/internal/logger"
	"github.com/mbellard/ledgersync/internal/model"
	"github.com/mbellard/ledgersync/internal/store"
)

// DefaultMaxAttempts is the retry budget per action before abandonment.
const DefaultMaxAttempts = 5

// maxBackoff caps the per-action retry delay.
const maxBackoff = 10 * time.Minute

// ErrSyncInProgress is returned when a drain is requested while another is
// running. The caller treats it as a no-op, never as a queue for later.
var ErrSyncInProgress = errors.New("synchronization already in progress")

// Engine drains the pending-action log against the remote API.
type Engine struct {
	store       *store.Store
	client      *api.Client
	online      func() bool
	maxAttempts int
	notifier    *Notifier

	// now is swapped in tests to control backoff eligibility.
	now func() time.Time

	mu      gosync.Mutex
	syncing bool
}

// NewEngine creates an engine. online is the monitor's IsOnline; notifier
// carries events to whoever subscribed (may be shared with the façade).
func NewEngine(st *store.Store, client *api.Client, online func() bool, maxAttempts int, notifier *Notifier) *Engine {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if notifier == nil {
		notifier = &Notifier{}
	}
	return &Engine{
		store:       st,
		client:      client,
		online:      online,
		maxAttempts: maxAttempts,
		notifier:    notifier,
		now:         time.Now,
	}
}

// Notifier returns the engine's event stream.
func (e *Engine) Notifier() *Notifier {
	return e.notifier
}

// SetNow overrides the engine's clock. Tests use it to step through backoff
// windows without sleeping.
func (e *Engine) SetNow(now func() time.Time) {
	e.now = now
}

// begin flips the in-progress guard. Only one drain runs process-wide.
func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.syncing {
		return false
	}
	e.syncing = true
	return true
}

func (e *Engine) end() {
	e.mu.Lock()
	e.syncing = false
	e.mu.Unlock()
}

// Drain runs one full pass over the current pending-action log, strictly in
// log order. A failing action does not block the ones behind it. Re-entrant
// calls return ErrSyncInProgress; calls while offline return a zero Summary.
func (e *Engine) Drain(ctx context.Context) (Summary, error) {
	if !e.online() {
		logger.Debug("sync: drain skipped, offline")
		return Summary{}, nil
	}
	if !e.begin() {
		logger.Debug("sync: drain skipped, already in progress")
		return Summary{}, ErrSyncInProgress
	}
	defer e.end()

	actions, err := e.store.ListPendingActions()
	if err != nil {
		e.notifier.Emit(Event{Type: EventSyncFailed, Err: err})
		return Summary{}, fmt.Errorf("failed to read pending actions: %w", err)
	}

	if len(actions) == 0 {
		logger.Debug("sync: nothing to drain")
		return Summary{}, nil
	}

	e.notifier.Emit(Event{Type: EventSyncStarted, Pending: len(actions)})
	logger.Debug("sync: draining %d pending actions", len(actions))

	var summary Summary
	for _, action := range actions {
		if !e.eligible(action) {
			summary.Skipped++
			continue
		}

		if err := e.replay(ctx, action); err != nil {
			e.handleFailure(action, err, &summary)
			continue
		}

		if err := e.store.RemovePendingAction(action.ID); err != nil {
			// The replay succeeded; losing the removal would replay a
			// confirmed action on the next pass. The idempotency key makes
			// that replay harmless, so log and move on.
			logger.Warn("sync: failed to remove confirmed action %d: %v", action.ID, err)
		}
		summary.Replayed++
		logger.Debug("sync: replayed action %d (%s %s)", action.ID, action.Kind, action.Collection)
	}

	// Refresh the authoritative view of every collection so the merged view
	// picks up newly confirmed records.
	for _, collection := range model.Collections() {
		if err := e.refreshCollection(ctx, collection); err != nil {
			logger.Warn("sync: failed to refresh %s: %v", collection, err)
		}
	}

	remaining, err := e.store.CountPendingActions()
	if err != nil {
		logger.Warn("sync: failed to count remaining actions: %v", err)
	}
	summary.Remaining = remaining

	e.notifier.Emit(Event{Type: EventSyncCompleted, Summary: summary, Pending: remaining})
	e.notifier.Emit(Event{Type: EventPendingCountChanged, Pending: remaining})

	logger.Info("sync: drain complete: %d replayed, %d failed, %d abandoned, %d remaining",
		summary.Replayed, summary.Failed, summary.Abandoned, summary.Remaining)
	return summary, nil
}

// eligible reports whether an action's backoff window has elapsed.
// Skipping an ineligible action does not count as an attempt.
func (e *Engine) eligible(action store.PendingAction) bool {
	if action.NextAttemptAfter == "" {
		return true
	}
	after, err := time.Parse(time.RFC3339, action.NextAttemptAfter)
	if err != nil {
		return true
	}
	return !e.now().Before(after)
}

// handleFailure increments the attempt counter and either reschedules the
// action with exponential backoff or abandons it once the budget is spent.
func (e *Engine) handleFailure(action store.PendingAction, cause error, summary *Summary) {
	attempts := action.Attempts + 1

	if attempts >= e.maxAttempts {
		logger.Error("sync: abandoning action %d (%s %s) after %d attempts: %v",
			action.ID, action.Kind, action.Collection, attempts, cause)
		if err := e.store.RemovePendingAction(action.ID); err != nil {
			logger.Warn("sync: failed to remove abandoned action %d: %v", action.ID, err)
			return
		}
		summary.Abandoned++
		e.notifier.Emit(Event{
			Type:       EventActionAbandoned,
			Collection: action.Collection,
			ActionID:   action.ID,
			Err:        cause,
		})
		return
	}

	next := e.now().Add(backoff(attempts)).UTC().Format(time.RFC3339)
	if err := e.store.UpdatePendingAttempts(action.ID, attempts, next); err != nil {
		logger.Warn("sync: failed to update attempts for action %d: %v", action.ID, err)
	}
	summary.Failed++
	logger.Warn("sync: action %d (%s %s) failed attempt %d/%d, next after %s: %v",
		action.ID, action.Kind, action.Collection, attempts, e.maxAttempts, next, cause)
}

// backoff returns the delay before retry n (1-based): 2^n seconds, capped.
func backoff(attempts int) time.Duration {
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// replay dispatches one action to its collection-specific remote call.
func (e *Engine) replay(ctx context.Context, action store.PendingAction) error {
	switch action.Kind {
	case store.ActionCreate:
		return e.replayCreate(ctx, action)
	case store.ActionUpdate:
		return e.replayUpdate(ctx, action)
	case store.ActionDelete:
		return e.replayDelete(ctx, action)
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

// replayCreate posts the record and confirms the provisional copy: the id
// mapping is recorded and the provisional record is deleted before the
// authoritative one is cached, so old and new are never both visible.
func (e *Engine) replayCreate(ctx context.Context, action store.PendingAction) error {
	data := action.Data

	// Offline edits to a still-provisional record fold into the local copy,
	// so the current local payload is the freshest version of the create.
	if local, err := e.store.GetByID(action.Collection, action.RecordID); err == nil && local != nil {
		data = local.Payload
	}

	created, err := e.client.Create(ctx, action.Collection, data, action.IdempotencyKey)
	if err != nil {
		return err
	}

	if err := e.store.RecordIDMapping(action.Collection, action.RecordID, created.ID); err != nil {
		return err
	}
	if err := e.store.Delete(action.Collection, action.RecordID); err != nil {
		return err
	}
	return e.store.Put(store.Record{
		ID:         created.ID,
		Collection: action.Collection,
		Payload:    created.Payload,
		UpdatedAt:  e.now().UTC().Format(time.RFC3339),
	})
}

func (e *Engine) replayUpdate(ctx context.Context, action store.PendingAction) error {
	id, err := e.resolveID(action)
	if err != nil {
		return err
	}

	updated, err := e.client.Update(ctx, action.Collection, id, action.Data, action.IdempotencyKey)
	if err != nil {
		return err
	}

	return e.store.Put(store.Record{
		ID:         updated.ID,
		Collection: action.Collection,
		Payload:    updated.Payload,
		UpdatedAt:  e.now().UTC().Format(time.RFC3339),
	})
}

func (e *Engine) replayDelete(ctx context.Context, action store.PendingAction) error {
	id, err := e.resolveID(action)
	if err != nil {
		return err
	}

	if err := e.client.Delete(ctx, action.Collection, id, action.IdempotencyKey); err != nil {
		return err
	}

	return e.store.Delete(action.Collection, id)
}

// resolveID maps a provisional record id to its authoritative one. Because
// replay is strictly in log order, the create that assigns the mapping
// always runs before any update or delete that references it; a missing
// mapping means the create itself is still failing.
func (e *Engine) resolveID(action store.PendingAction) (int64, error) {
	if action.RecordID >= 0 {
		return action.RecordID, nil
	}

	id, ok, err := e.store.LookupAuthoritativeID(action.Collection, action.RecordID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("record %d in %s has no confirmed id yet", action.RecordID, action.Collection)
	}
	return id, nil
}

// refreshCollection replaces the locally cached remote view of one
// collection with a fresh fetch. Provisional records are left untouched.
func (e *Engine) refreshCollection(ctx context.Context, collection string) error {
	remote, err := e.client.List(ctx, collection)
	if err != nil {
		return err
	}

	local, err := e.store.GetAll(collection)
	if err != nil {
		return err
	}

	// Drop cached records the server no longer returns.
	seen := make(map[int64]bool, len(remote))
	for _, rec := range remote {
		seen[rec.ID] = true
	}
	for _, rec := range local {
		if rec.ID >= 0 && !rec.CreatedOffline && !seen[rec.ID] {
			if err := e.store.Delete(collection, rec.ID); err != nil {
				return err
			}
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	for _, rec := range remote {
		if err := e.store.Put(store.Record{
			ID:         rec.ID,
			Collection: collection,
			Payload:    rec.Payload,
			UpdatedAt:  now,
		}); err != nil {
			return err
		}
	}

	return nil
}
