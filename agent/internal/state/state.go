package state

import "sync/atomic"

// Cross-task flags. Readers tolerate momentarily stale values; the flags
// only steer which fallback path fires next, never execution correctness.
type appState struct {
	connected    atomic.Bool // realtime channel open
	shuttingDown atomic.Bool
}

var s appState

func SetConnected(v bool) { s.connected.Store(v) }
func Connected() bool     { return s.connected.Load() }

func SetShuttingDown(v bool) { s.shuttingDown.Store(v) }
func ShuttingDown() bool {
	return s.shuttingDown.Load()
}
