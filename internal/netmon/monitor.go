// Package netmon tracks connectivity and triggers synchronization attempts.
package netmon

import (
	"sync"
	"time"

	"github.com/mbellard/ledgersync/internal/logger"
)

// Probe is the platform connectivity signal: a current boolean plus change
// notifications. The platform side is a collaborator; this package only
// consumes it.
type Probe interface {
	// Online reports the current connectivity.
	Online() bool
	// Notify registers a callback invoked on every connectivity change.
	Notify(fn func(online bool))
}

// Monitor is the single source of truth for connectivity. On an
// offline-to-online transition it fires one immediate sync attempt and arms
// a periodic fallback timer that retries whole passes in case the immediate
// one fails outright. Going offline disarms the timer.
type Monitor struct {
	probe    Probe
	interval time.Duration
	trigger  func() // one synchronization pass; must not block for long

	mu        sync.Mutex
	online    bool
	listeners []func(online bool)

	events chan bool
	stopCh chan struct{}
	done   chan struct{}
}

// NewMonitor creates a monitor. interval is the fallback retry period;
// trigger is invoked for every sync attempt.
func NewMonitor(probe Probe, interval time.Duration, trigger func()) *Monitor {
	return &Monitor{
		probe:    probe,
		interval: interval,
		trigger:  trigger,
		events:   make(chan bool, 8),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start reads the initial state from the probe, subscribes to its changes,
// and starts the dispatch goroutine. It never blocks.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.online = m.probe.Online()
	initial := m.online
	m.mu.Unlock()

	m.probe.Notify(func(online bool) {
		select {
		case m.events <- online:
		case <-m.stopCh:
		}
	})

	go m.run(initial)
}

// Stop tears the monitor down. Connectivity is always re-derived from the
// probe on the next Start; nothing is persisted.
func (m *Monitor) Stop() {
	select {
	case <-m.stopCh:
		return // already stopped
	default:
		close(m.stopCh)
	}
	<-m.done
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a listener for state transitions. Listeners are
// invoked from the dispatch goroutine and must not block.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// run is the single dispatch goroutine: it owns the fallback ticker and is
// the only place listeners and the trigger are invoked from.
func (m *Monitor) run(initial bool) {
	defer close(m.done)

	var ticker *time.Ticker
	var tick <-chan time.Time // nil while offline, so the select never fires

	arm := func() {
		if ticker == nil {
			ticker = time.NewTicker(m.interval)
			tick = ticker.C
		}
	}
	disarm := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tick = nil
		}
	}
	defer disarm()

	if initial {
		logger.Debug("netmon: starting online")
		arm()
		m.trigger()
	} else {
		logger.Debug("netmon: starting offline")
	}

	for {
		select {
		case online := <-m.events:
			if !m.transition(online) {
				continue
			}
			if online {
				logger.Info("netmon: connectivity restored, attempting sync")
				arm()
				m.trigger()
			} else {
				logger.Info("netmon: connectivity lost")
				disarm()
			}
		case <-tick:
			logger.Debug("netmon: periodic sync attempt")
			m.trigger()
		case <-m.stopCh:
			return
		}
	}
}

// transition updates state and notifies listeners. Returns false when the
// event was a duplicate of the current state.
func (m *Monitor) transition(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	listeners := make([]func(bool), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
	return true
}
