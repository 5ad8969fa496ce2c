// Package connection owns one transport per user session and drives the
// connect / reconnect / fallback state machine:
//
//	Disconnected --Connect--> Connecting --success--> Connected
//	Connecting --failure--> Simulated (fallback; stays until Connect is called again)
//	Connected --server disconnect--> Reconnecting --success--> Connected
//	Reconnecting --attempts exhausted--> Disconnected
//	any state --Disconnect--> Disconnected
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/transport"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Simulated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Simulated:
		return "simulated"
	}
	return "unknown"
}

// LiveTransport is what the manager needs from the live channel beyond the
// base contract: a hook for server-initiated disconnects.
type LiveTransport interface {
	transport.Transport
	SetDisconnectHandler(func(reason string))
}

// Options bound the automatic reconnect. An unbounded retry loop was the
// original behavior; it is replaced by exponential backoff with a cap and
// a terminal Disconnected state.
type Options struct {
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ConnectTimeout       time.Duration
}

func (o *Options) fill() {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
}

type Manager struct {
	mu     sync.Mutex
	state  State
	live   LiveTransport
	sim    transport.Transport
	active transport.Transport
	userID string
	opts   Options

	onConnected func(transport.Transport)
	onSimulated func(transport.Transport)
}

// New creates a manager. live may be nil when no endpoint is configured;
// every Connect then lands in Simulated directly.
func New(live LiveTransport, sim transport.Transport, opts Options) *Manager {
	opts.fill()
	m := &Manager{
		state: Disconnected,
		live:  live,
		sim:   sim,
		opts:  opts,
	}
	if live != nil {
		live.SetDisconnectHandler(m.handleServerDisconnect)
	}
	return m
}

// OnConnected registers the callback fired on every entry into Connected
// (first connect and each successful reconnect). The session store uses it
// to subscribe its remote-event handlers.
func (m *Manager) OnConnected(fn func(transport.Transport)) {
	m.mu.Lock()
	m.onConnected = fn
	m.mu.Unlock()
}

// OnSimulated registers the callback fired on entry into Simulated.
// Remote handlers are intentionally NOT subscribed there: local mutations
// are applied directly by the session store, never echoed back.
func (m *Manager) OnSimulated(fn func(transport.Transport)) {
	m.mu.Lock()
	m.onSimulated = fn
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active returns the transport currently carrying this session, or nil
// when disconnected.
func (m *Manager) Active() transport.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// IsSimulated reports whether the session fell back to the local transport.
func (m *Manager) IsSimulated() bool {
	return m.State() == Simulated
}

// Connect is idempotent: calling it while Connected is a no-op. From
// Simulated a new Connect counts as the explicit reconnect request and
// retries the live channel. Failure of the live dial falls back to
// Simulated rather than failing the session.
func (m *Manager) Connect(ctx context.Context, userID string) error {
	m.mu.Lock()
	switch m.state {
	case Connected:
		m.mu.Unlock()
		return nil
	case Connecting, Reconnecting:
		m.mu.Unlock()
		return nil
	}
	m.state = Connecting
	m.userID = userID
	m.mu.Unlock()

	if m.live != nil {
		if err := m.live.Connect(ctx, userID); err == nil {
			m.enterConnected()
			return nil
		} else {
			logger.Errorf("connection: live connect failed, falling back to simulated: %v", err)
		}
	}

	// Simulated is defined to never fail; the error path stays for the
	// contract's sake.
	if err := m.sim.Connect(ctx, userID); err != nil {
		m.mu.Lock()
		m.state = Disconnected
		m.active = nil
		m.mu.Unlock()
		return transport.ErrUnavailable
	}

	m.mu.Lock()
	if m.state != Connecting {
		// An explicit Disconnect raced the handshake; it wins.
		m.mu.Unlock()
		m.sim.Disconnect()
		return nil
	}
	m.state = Simulated
	m.active = m.sim
	cb := m.onSimulated
	m.mu.Unlock()
	logger.Infof("connection: simulated mode for user=%s", userID)
	if cb != nil {
		cb(m.sim)
	}
	return nil
}

// enterConnected commits the live transport. It reports false when an
// explicit Disconnect raced the dial; the disconnect wins and the fresh
// connection is torn down.
func (m *Manager) enterConnected() bool {
	m.mu.Lock()
	if m.state != Connecting && m.state != Reconnecting {
		m.mu.Unlock()
		m.live.Disconnect()
		return false
	}
	m.state = Connected
	m.active = m.live
	cb := m.onConnected
	m.mu.Unlock()
	if cb != nil {
		cb(m.live)
	}
	return true
}

// Disconnect moves to Disconnected from any state and tears down the
// active transport. It also cancels an in-flight reconnect loop.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.state = Disconnected
	active := m.active
	m.active = nil
	m.mu.Unlock()
	if active != nil {
		active.Disconnect()
	}
}

func (m *Manager) handleServerDisconnect(reason string) {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.state = Reconnecting
	m.active = nil
	userID := m.userID
	m.mu.Unlock()

	logger.Errorf("connection: server disconnect (%s), reconnecting user=%s", reason, userID)
	go m.reconnectLoop(userID)
}

func (m *Manager) reconnectLoop(userID string) {
	backoff := m.opts.ReconnectBase
	for attempt := 1; attempt <= m.opts.MaxReconnectAttempts; attempt++ {
		time.Sleep(backoff)

		m.mu.Lock()
		if m.state != Reconnecting {
			// Explicit Disconnect happened while waiting.
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
		err := m.live.Connect(ctx, userID)
		cancel()
		if err == nil {
			if m.enterConnected() {
				logger.Infof("connection: reconnected user=%s after %d attempt(s)", userID, attempt)
			}
			return
		}

		logger.Errorf("connection: reconnect %d/%d failed: %v", attempt, m.opts.MaxReconnectAttempts, err)
		backoff *= 2
		if backoff > m.opts.ReconnectMax {
			backoff = m.opts.ReconnectMax
		}
	}

	m.mu.Lock()
	if m.state == Reconnecting {
		m.state = Disconnected
		m.active = nil
	}
	m.mu.Unlock()
	logger.Errorf("connection: reconnect attempts exhausted for user=%s", userID)
}

// Emit forwards to the active transport.
func (m *Manager) Emit(event transport.EventType, payload any) error {
	t := m.Active()
	if t == nil {
		return transport.ErrUnavailable
	}
	return t.Emit(event, payload)
}

// EmitRoom satisfies moderation.Emitter; a client session has a single
// channel, so the room id is already inside the payload.
func (m *Manager) EmitRoom(roomID string, event transport.EventType, payload any) error {
	return m.Emit(event, payload)
}
