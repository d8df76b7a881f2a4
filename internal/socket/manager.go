// Package socket owns the one logical websocket connection and its reconnect
// policy. No other component ever holds a connection handle; all sends go
// through the manager so a swapped-in connection after reconnect is used
// transparently.
package socket

import (
	"sync"
	"time"

	"github.com/tetherhq/tether-go/internal/clock"
	"github.com/tetherhq/tether-go/internal/wire"
	"github.com/tetherhq/tether-go/pkg/logger"
)

// ReconnectDelay is the fixed delay between an unintentional close and the
// single scheduled reconnect attempt. The server side is assumed to recover
// independently, so there is no backoff growth.
const ReconnectDelay = 3 * time.Second

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config wires a Manager.
type Config struct {
	// URL is the websocket endpoint.
	URL string
	// Dial opens connections; defaults to the gorilla-backed Dial.
	Dial Dialer
	// Clock schedules the reconnect timer; defaults to the real clock.
	Clock clock.Clock

	// OnOpen fires after every successful connect, including reconnects.
	// The handshake replay hangs off this callback.
	OnOpen func()
	// OnMessage delivers every well-formed envelope from the server.
	OnMessage func(env wire.Envelope)
	// OnClose fires when the connection drops, intentionally or not.
	OnClose func(err error)
}

// Manager owns one logical socket: connect/send/close plus the reconnect
// schedule. At most one live connection handle exists at a time.
type Manager struct {
	cfg Config

	mu              sync.Mutex
	state           State
	conn            Conn
	gen             uint64
	reconnect       *clock.Slot
	closedByCleanup bool
}

// New creates a Manager. Connect must be called to open the socket.
func New(cfg Config) *Manager {
	if cfg.Dial == nil {
		cfg.Dial = Dial
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Manager{
		cfg:       cfg,
		state:     StateIdle,
		reconnect: clock.NewSlot(cfg.Clock),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts dialing unless the manager is already connecting, open, or
// torn down. Dialing happens off the caller's goroutine; the outcome arrives
// via OnOpen or the reconnect schedule.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closedByCleanup || m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.reconnect.Cancel()
	m.mu.Unlock()

	go m.dial()
}

func (m *Manager) dial() {
	conn, err := m.cfg.Dial(m.cfg.URL)

	m.mu.Lock()
	if m.closedByCleanup {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		logger.Warnf("socket: dial failed: %v", err)
		m.state = StateClosed
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}
	m.conn = conn
	m.state = StateOpen
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.readLoop(conn, gen)

	if m.cfg.OnOpen != nil {
		m.cfg.OnOpen()
	}
}

// Send marshals and writes the envelope. It is a silent drop (returns false,
// no queueing) when the socket is not open; delivery is at most once.
func (m *Manager) Send(env wire.Envelope) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		logger.Debugf("socket: dropping %s send, socket not open", env.Event)
		return false
	}

	raw, err := env.Marshal()
	if err != nil {
		logger.Warnf("socket: marshal %s failed: %v", env.Event, err)
		return false
	}
	if err := conn.WriteMessage(raw); err != nil {
		// The read loop observes the broken connection and drives recovery.
		logger.Debugf("socket: write %s failed: %v", env.Event, err)
		return false
	}
	logger.Tracef("socket: sent %s", env.Event)
	return true
}

// Close tears the connection down intentionally and suppresses any reconnect.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closedByCleanup = true
	m.reconnect.Cancel()
	conn := m.conn
	m.conn = nil
	alreadyClosed := m.state == StateClosed || m.state == StateIdle
	m.state = StateClosed
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if !alreadyClosed && m.cfg.OnClose != nil {
		m.cfg.OnClose(nil)
	}
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(gen, err)
			return
		}
		env, err := wire.Decode(raw)
		if err != nil {
			// Malformed payloads are dropped, never fatal.
			logger.Tracef("socket: dropping malformed frame: %v", err)
			continue
		}
		logger.Tracef("socket: received %s", env.Event)
		if m.cfg.OnMessage != nil {
			m.cfg.OnMessage(env)
		}
	}
}

func (m *Manager) handleClosed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		// A newer connection already replaced this one.
		m.mu.Unlock()
		return
	}
	_ = m.conn.Close()
	m.conn = nil
	m.state = StateClosed
	cleanup := m.closedByCleanup
	if !cleanup {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	if !cleanup && m.cfg.OnClose != nil {
		m.cfg.OnClose(err)
	}
}

// scheduleReconnectLocked arms the single reconnect slot. Arming cancels any
// pending attempt, so repeated closes cannot stack timers.
func (m *Manager) scheduleReconnectLocked() {
	logger.Debugf("socket: reconnecting in %s", ReconnectDelay)
	m.reconnect.Arm(ReconnectDelay, m.Connect)
}
