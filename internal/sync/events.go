// Package sync reliably replays queued local mutations against the remote
// API, in log order, with bounded retries.
package sync

import (
	gosync "sync"
)

// EventType identifies a state transition the UI layer may want to surface.
type EventType string

const (
	// EventWentOnline fires when connectivity is restored.
	EventWentOnline EventType = "went-online"
	// EventWentOffline fires when connectivity is lost.
	EventWentOffline EventType = "went-offline"
	// EventSyncStarted fires when a drain pass begins.
	EventSyncStarted EventType = "sync-started"
	// EventSyncCompleted fires when a drain pass finished its full log walk.
	EventSyncCompleted EventType = "sync-completed"
	// EventSyncFailed fires when a drain pass could not run at all.
	EventSyncFailed EventType = "sync-failed"
	// EventActionAbandoned fires when an action exceeded its attempt budget
	// and was dropped. This is a permanent-data-loss signal, reported
	// distinctly from a merely delayed sync.
	EventActionAbandoned EventType = "action-abandoned"
	// EventPendingCountChanged fires whenever the queue size changes.
	EventPendingCountChanged EventType = "pending-count-changed"
)

// Event is one observable transition. Fields beyond Type are populated
// where they apply.
type Event struct {
	Type       EventType
	Collection string
	ActionID   int64
	Pending    int
	Summary    Summary
	Err        error
}

// Summary aggregates one drain pass.
type Summary struct {
	Replayed  int
	Failed    int
	Abandoned int
	Skipped   int // backoff not yet elapsed
	Remaining int // queue size after the pass
}

// Notifier fans events out to subscribers. The sync core never calls into
// presentation code directly; the UI layer subscribes here.
type Notifier struct {
	mu   gosync.Mutex
	subs []func(Event)
}

// Subscribe registers a callback. Callbacks run on the emitting goroutine
// and must not block.
func (n *Notifier) Subscribe(fn func(Event)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

// Emit delivers an event to every subscriber.
func (n *Notifier) Emit(ev Event) {
	n.mu.Lock()
	subs := make([]func(Event), len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
