// Package offline is the single entry point the rest of the application
// uses. It hides the online/offline branching: callers create, update,
// delete and read records; the façade decides whether that is a direct
// remote call or a locally persisted mutation queued for replay.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mbellard/ledgersync/internal/api"
	"github.com/mbellard/ledgersync/internal/logger"
	"github.com/mbellard/ledgersync/internal/model"
	"github.com/mbellard/ledgersync/internal/netmon"
	"github.com/mbellard/ledgersync/internal/reconcile"
	"github.com/mbellard/ledgersync/internal/store"
	syncengine "github.com/mbellard/ledgersync/internal/sync"
)

// ErrCannotSyncOffline is returned by SyncNow while disconnected. The
// request is rejected synchronously, never queued.
var ErrCannotSyncOffline = errors.New("cannot sync while offline")

// ErrUnknownCollection is returned for a collection name the engine does not
// synchronize.
var ErrUnknownCollection = errors.New("unknown collection")

// Options tunes the façade.
type Options struct {
	// SyncInterval is the fallback whole-pass retry period while online.
	SyncInterval time.Duration
	// MaxAttempts is the per-action retry budget before abandonment.
	MaxAttempts int
	// Clock overrides the synchronizer's clock; tests use it to step through
	// retry backoff windows.
	Clock func() time.Time
}

// Facade owns the store, the monitor and the synchronizer, and wires the
// connectivity transitions to drain attempts. One Facade per process; its
// state lives here, not in package globals, so tests can run independent
// instances side by side.
type Facade struct {
	store    *store.Store
	client   *api.Client
	monitor  *netmon.Monitor
	engine   *syncengine.Engine
	notifier *syncengine.Notifier
}

// New wires a façade from its collaborators. Call Init to start it.
func New(st *store.Store, client *api.Client, probe netmon.Probe, opts Options) *Facade {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = time.Minute
	}

	notifier := &syncengine.Notifier{}

	f := &Facade{
		store:    st,
		client:   client,
		notifier: notifier,
	}

	f.monitor = netmon.NewMonitor(probe, opts.SyncInterval, func() {
		if _, err := f.engine.Drain(context.Background()); err != nil && !errors.Is(err, syncengine.ErrSyncInProgress) {
			logger.Error("offline: background sync failed: %v", err)
		}
	})
	f.engine = syncengine.NewEngine(st, client, f.monitor.IsOnline, opts.MaxAttempts, notifier)
	if opts.Clock != nil {
		f.engine.SetNow(opts.Clock)
	}

	f.monitor.Subscribe(func(online bool) {
		if online {
			notifier.Emit(syncengine.Event{Type: syncengine.EventWentOnline})
		} else {
			notifier.Emit(syncengine.Event{Type: syncengine.EventWentOffline})
		}
	})

	return f
}

// Init starts the connectivity monitor. If the process comes up online with
// a non-empty queue left over from a previous run, the monitor's initial
// sync attempt drains it.
func (f *Facade) Init() {
	f.monitor.Start()
}

// Shutdown stops the monitor. Unprocessed actions stay durably queued for
// the next startup.
func (f *Facade) Shutdown() {
	f.monitor.Stop()
}

// IsOnline reports current connectivity.
func (f *Facade) IsOnline() bool {
	return f.monitor.IsOnline()
}

// Subscribe registers a listener for sync and connectivity events.
func (f *Facade) Subscribe(fn func(syncengine.Event)) {
	f.notifier.Subscribe(fn)
}

// PendingCount returns the current queue size.
func (f *Facade) PendingCount() (int, error) {
	return f.store.CountPendingActions()
}

// SyncNow triggers one drain pass. It rejects while offline and while a
// drain is already running.
func (f *Facade) SyncNow(ctx context.Context) (syncengine.Summary, error) {
	if !f.monitor.IsOnline() {
		return syncengine.Summary{}, ErrCannotSyncOffline
	}
	return f.engine.Drain(ctx)
}

// Create stores a new record. Online it calls the API directly; offline, or
// when the direct call fails mid-flight, the record is persisted locally
// under a provisional negative id and queued for replay. The user's input is
// never dropped.
func (f *Facade) Create(ctx context.Context, collection string, data json.RawMessage) (*store.Record, error) {
	if !model.ValidCollection(collection) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	if f.monitor.IsOnline() {
		created, err := f.client.Create(ctx, collection, data, uuid.NewString())
		if err == nil {
			rec := store.Record{
				ID:         created.ID,
				Collection: collection,
				Payload:    created.Payload,
				UpdatedAt:  nowRFC3339(),
			}
			if err := f.store.Put(rec); err != nil {
				logger.Warn("offline: failed to cache created record: %v", err)
			}
			return &rec, nil
		}
		logger.Warn("offline: direct create failed, saving offline: %v", err)
	}

	return f.createOffline(collection, data)
}

// createOffline persists a provisional record and queues its create action.
func (f *Facade) createOffline(collection string, data json.RawMessage) (*store.Record, error) {
	id, err := f.store.NextProvisionalID()
	if err != nil {
		return nil, err
	}

	rec := store.Record{
		ID:             id,
		Collection:     collection,
		Payload:        data,
		CreatedOffline: true,
		UpdatedAt:      nowRFC3339(),
	}
	if err := f.store.Put(rec); err != nil {
		return nil, err
	}

	if _, err := f.store.AppendPendingAction(store.PendingAction{
		Kind:           store.ActionCreate,
		Collection:     collection,
		RecordID:       id,
		Data:           data,
		IdempotencyKey: uuid.NewString(),
	}); err != nil {
		return nil, err
	}

	f.emitPendingCount()
	logger.Info("offline: saved %s record %d locally, queued for sync", collection, id)
	return &rec, nil
}

// Update applies a partial change. Updates to a still-provisional record
// fold into the local copy instead of queueing a second action; its eventual
// create replays the folded payload.
func (f *Facade) Update(ctx context.Context, collection string, id int64, patch json.RawMessage) (*store.Record, error) {
	if !model.ValidCollection(collection) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	if id < 0 {
		return f.updateProvisional(collection, id, patch)
	}

	if f.monitor.IsOnline() {
		updated, err := f.client.Update(ctx, collection, id, patch, uuid.NewString())
		if err == nil {
			rec := store.Record{
				ID:         updated.ID,
				Collection: collection,
				Payload:    updated.Payload,
				UpdatedAt:  nowRFC3339(),
			}
			if err := f.store.Put(rec); err != nil {
				logger.Warn("offline: failed to cache updated record: %v", err)
			}
			return &rec, nil
		}
		logger.Warn("offline: direct update failed, queueing: %v", err)
	}

	rec, err := f.patchLocal(collection, id, patch)
	if err != nil {
		return nil, err
	}

	if _, err := f.store.AppendPendingAction(store.PendingAction{
		Kind:           store.ActionUpdate,
		Collection:     collection,
		RecordID:       id,
		Data:           patch,
		IdempotencyKey: uuid.NewString(),
	}); err != nil {
		return nil, err
	}

	f.emitPendingCount()
	return rec, nil
}

// updateProvisional rewrites the local record and the queued create payload.
func (f *Facade) updateProvisional(collection string, id int64, patch json.RawMessage) (*store.Record, error) {
	rec, err := f.patchLocal(collection, id, patch)
	if err != nil {
		return nil, err
	}

	pending, err := f.store.FindPendingCreate(collection, id)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		if err := f.store.UpdatePendingData(pending.ID, rec.Payload); err != nil {
			return nil, err
		}
	}

	return rec, nil
}

// patchLocal overlays a JSON patch onto the locally stored record.
func (f *Facade) patchLocal(collection string, id int64, patch json.RawMessage) (*store.Record, error) {
	rec, err := f.store.GetByID(collection, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("record %d not found in %s", id, collection)
	}

	merged, err := mergePatch(rec.Payload, patch)
	if err != nil {
		return nil, err
	}

	rec.Payload = merged
	rec.UpdatedAt = nowRFC3339()
	if err := f.store.Put(*rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// mergePatch overlays the fields of patch onto base, field by field.
// Replace semantics, no deep merge: this system is last-writer-wins.
func mergePatch(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := map[string]any{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("failed to decode stored payload: %w", err)
		}
	}

	var fields map[string]any
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode patch: %w", err)
	}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		merged[k] = v
	}

	return json.Marshal(merged)
}

// Delete removes a record. Deleting a still-provisional record cancels its
// queued create outright; no remote call ever happens for it.
func (f *Facade) Delete(ctx context.Context, collection string, id int64) error {
	if !model.ValidCollection(collection) {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	if id < 0 {
		return f.deleteProvisional(collection, id)
	}

	if f.monitor.IsOnline() {
		err := f.client.Delete(ctx, collection, id, uuid.NewString())
		if err == nil {
			return f.store.Delete(collection, id)
		}
		logger.Warn("offline: direct delete failed, queueing: %v", err)
	}

	if err := f.store.Delete(collection, id); err != nil {
		return err
	}

	if _, err := f.store.AppendPendingAction(store.PendingAction{
		Kind:           store.ActionDelete,
		Collection:     collection,
		RecordID:       id,
		IdempotencyKey: uuid.NewString(),
	}); err != nil {
		return err
	}

	f.emitPendingCount()
	return nil
}

func (f *Facade) deleteProvisional(collection string, id int64) error {
	pending, err := f.store.FindPendingCreate(collection, id)
	if err != nil {
		return err
	}
	if pending != nil {
		if err := f.store.RemovePendingAction(pending.ID); err != nil {
			return err
		}
	}

	if err := f.store.Delete(collection, id); err != nil {
		return err
	}

	f.emitPendingCount()
	return nil
}

// GetCollection returns the reconciled view of one collection: the remote
// sequence (fetched fresh when online) with unconfirmed local records merged
// in. A failed remote fetch degrades to local-only data instead of erroring.
func (f *Facade) GetCollection(ctx context.Context, collection string) ([]store.Record, error) {
	if !model.ValidCollection(collection) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	local, err := f.store.GetAll(collection)
	if err != nil {
		return nil, err
	}

	pending := reconcile.Unconfirmed(local, func(id int64) bool {
		_, ok, err := f.store.LookupAuthoritativeID(collection, id)
		if err != nil {
			logger.Warn("offline: id mapping lookup failed: %v", err)
			return false
		}
		return ok
	})

	if f.monitor.IsOnline() {
		remote, err := f.client.List(ctx, collection)
		if err == nil {
			f.cacheRemote(collection, remote, local)
			remoteRecs := make([]store.Record, len(remote))
			for i, r := range remote {
				remoteRecs[i] = store.Record{ID: r.ID, Collection: collection, Payload: r.Payload}
			}
			return reconcile.Merge(remoteRecs, pending), nil
		}
		logger.Warn("offline: remote fetch of %s failed, serving local data: %v", collection, err)
	}

	var confirmed []store.Record
	for _, rec := range local {
		if rec.ID >= 0 && !rec.CreatedOffline {
			confirmed = append(confirmed, rec)
		}
	}
	return reconcile.Merge(confirmed, pending), nil
}

// cacheRemote replaces the confirmed part of the local cache with a fresh
// remote fetch, leaving provisional records alone.
func (f *Facade) cacheRemote(collection string, remote []api.Record, local []store.Record) {
	seen := make(map[int64]bool, len(remote))
	for _, rec := range remote {
		seen[rec.ID] = true
	}
	for _, rec := range local {
		if rec.ID >= 0 && !rec.CreatedOffline && !seen[rec.ID] {
			if err := f.store.Delete(collection, rec.ID); err != nil {
				logger.Warn("offline: failed to evict stale record %d: %v", rec.ID, err)
			}
		}
	}

	now := nowRFC3339()
	for _, rec := range remote {
		if err := f.store.Put(store.Record{
			ID:         rec.ID,
			Collection: collection,
			Payload:    rec.Payload,
			UpdatedAt:  now,
		}); err != nil {
			logger.Warn("offline: failed to cache remote record %d: %v", rec.ID, err)
		}
	}
}

func (f *Facade) emitPendingCount() {
	count, err := f.store.CountPendingActions()
	if err != nil {
		logger.Warn("offline: failed to count pending actions: %v", err)
		return
	}
	f.notifier.Emit(syncengine.Event{Type: syncengine.EventPendingCountChanged, Pending: count})
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
