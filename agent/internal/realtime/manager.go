// Package realtime maintains the persistent push connection to the control
// plane. While open it is the authoritative, low-latency delivery path; the
// poll channel stays suppressed until it drops.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"nimbus-agent/agent/internal/logger"
	"nimbus-agent/agent/internal/state"
)

// State is the connection state machine. Closed always schedules a reconnect
// after a fixed delay unless the agent is shutting down.
type State int32

const (
	Closed State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

// Frame is one inbound control-plane message.
type Frame struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command,omitempty"`
}

// Handler consumes what the channel delivers. FlushPending runs one poll
// cycle on open to pick up anything missed during the preceding gap.
type Handler interface {
	HandleCommand(raw json.RawMessage)
	SyncUnits()
	FlushPending()
}

type Manager struct {
	url            string
	agentID        string
	reconnectDelay time.Duration
	handler        Handler
	dialer         *websocket.Dialer

	st atomic.Int32

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(url, agentID string, reconnectDelay time.Duration, handler Handler) *Manager {
	return &Manager{
		url:            url,
		agentID:        agentID,
		reconnectDelay: reconnectDelay,
		handler:        handler,
		dialer:         websocket.DefaultDialer,
	}
}

func (m *Manager) State() State { return State(m.st.Load()) }

func (m *Manager) setState(s State) { m.st.Store(int32(s)) }

// Run keeps the connection alive until the context is cancelled. Every exit
// from Open, observed or injected, lands back in Closed and reconnects
// without operator intervention.
func (m *Manager) Run(ctx context.Context) {
	url := fmt.Sprintf("%s?agentId=%s", m.url, m.agentID)

	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(Connecting)
		logger.Infof("Connecting to realtime channel: %s", url)

		conn, _, err := m.dialer.DialContext(ctx, url, nil)
		if err != nil {
			m.setState(Closed)
			logger.Errorf("Realtime connect failed: %v", err)
			if !m.waitReconnect(ctx) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.setState(Open)
		state.SetConnected(true)
		logger.Info("Realtime channel connected")

		// flush anything missed while the channel was down
		go m.handler.FlushPending()

		m.readLoop(ctx, conn)

		state.SetConnected(false)
		m.setState(Closed)
		conn.Close()
		logger.Warn("Realtime channel closed")

		if !m.waitReconnect(ctx) {
			return
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Errorf("Realtime read failed: %v", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Errorf("Invalid realtime frame: %v | raw=%s", err, string(data))
			continue
		}

		switch frame.Type {
		case "new_command":
			// dispatch off the read loop so a long command cannot stall pings
			go m.handler.HandleCommand(frame.Command)
		case "sync_plugins":
			go m.handler.SyncUnits()
		case "ping":
			if err := m.send(map[string]string{"type": "pong"}); err != nil {
				logger.Errorf("Pong failed: %v", err)
			}
		default:
			logger.Warnf("Unknown realtime frame type: %s", frame.Type)
		}
	}
}

func (m *Manager) send(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("not connected")
	}
	return m.conn.WriteJSON(v)
}

// waitReconnect sleeps the fixed reconnect delay; false means shutdown.
func (m *Manager) waitReconnect(ctx context.Context) bool {
	if state.ShuttingDown() {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.reconnectDelay):
		return true
	}
}

// Close moves the state machine through Closing and drops the connection.
func (m *Manager) Close() {
	m.setState(Closing)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}
