package netmon

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbellard/ledgersync/internal/logger"
)

// WSProbe derives connectivity from a maintained WebSocket to the server:
// connected means online, a failed dial or dropped connection means offline.
// This is a stronger signal than the OS link state because it proves the
// application server itself is reachable.
type WSProbe struct {
	url         string
	redialDelay time.Duration

	mu        sync.Mutex
	online    bool
	listeners []func(online bool)

	stopCh chan struct{}
	done   chan struct{}
}

// NewWSProbe creates a probe for the given websocket URL (ws:// or wss://).
func NewWSProbe(url string) *WSProbe {
	return &WSProbe{
		url:         url,
		redialDelay: 5 * time.Second,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins the dial-and-hold loop.
func (p *WSProbe) Start() {
	go p.run()
}

// Stop terminates the loop and reports offline.
func (p *WSProbe) Stop() {
	select {
	case <-p.stopCh:
		return
	default:
		close(p.stopCh)
	}
	<-p.done
}

// Online reports the current state.
func (p *WSProbe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Notify registers a change callback.
func (p *WSProbe) Notify(fn func(online bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *WSProbe) set(online bool) {
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

func (p *WSProbe) run() {
	defer close(p.done)
	defer p.set(false)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.Dial(p.url, nil)
		if err != nil {
			logger.Debug("netmon: websocket dial failed: %v", err)
			p.set(false)
			select {
			case <-time.After(p.redialDelay):
				continue
			case <-p.stopCh:
				return
			}
		}

		logger.Debug("netmon: websocket connected")
		p.set(true)
		p.hold(conn)
		p.set(false)
		conn.Close()
	}
}

// hold reads from the connection until it breaks or the probe stops.
// Incoming frames are discarded; only liveness matters here.
func (p *WSProbe) hold(conn *websocket.Conn) {
	readErr := make(chan struct{})
	go func() {
		defer close(readErr)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-readErr:
		logger.Debug("netmon: websocket connection lost")
	case <-p.stopCh:
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
}
