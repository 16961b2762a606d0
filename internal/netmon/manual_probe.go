package netmon

import "sync"

// ManualProbe is a Probe driven by explicit SetOnline calls. It backs tests
// and environments where connectivity is toggled by an outer layer instead
// of observed from the platform.
type ManualProbe struct {
	mu        sync.Mutex
	online    bool
	listeners []func(online bool)
}

// NewManualProbe creates a probe in the given initial state.
func NewManualProbe(online bool) *ManualProbe {
	return &ManualProbe{online: online}
}

// Online reports the current state.
func (p *ManualProbe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Notify registers a change callback.
func (p *ManualProbe) Notify(fn func(online bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// SetOnline flips the state and notifies listeners on change.
func (p *ManualProbe) SetOnline(online bool) {
	p.mu.Lock()
	if p.online == online {
		p.mu.Unlock()
		return
	}
	p.online = online
	listeners := make([]func(bool), len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}
