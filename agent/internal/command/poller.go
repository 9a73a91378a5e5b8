package command

import (
	"context"
	"time"

	"nimbus-agent/agent/internal/controlplane"
	"nimbus-agent/agent/internal/logger"
	"nimbus-agent/agent/internal/state"
)

const pollBatchLimit = 10

// CommandSource serves queued command envelopes.
type CommandSource interface {
	PendingCommands(ctx context.Context, agentID string, limit int) ([]controlplane.PendingCommand, error)
}

// Poller is the fallback delivery path. It runs on a fixed interval and
// stays suppressed while the realtime channel reports itself connected.
type Poller struct {
	source   CommandSource
	d        *Dispatcher
	agentID  string
	interval time.Duration
}

func NewPoller(source CommandSource, d *Dispatcher, agentID string, interval time.Duration) *Poller {
	return &Poller{source: source, d: d, agentID: agentID, interval: interval}
}

// Run polls until the context is cancelled. Fetch failures are logged and
// the schedule continues.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if state.Connected() {
			continue
		}
		p.Flush(ctx)
	}
}

// Flush runs one poll cycle: fetch pending envelopes and dispatch each.
// Also invoked once whenever the realtime channel opens, to pick up
// commands missed during the gap.
func (p *Poller) Flush(ctx context.Context) {
	cmds, err := p.source.PendingCommands(ctx, p.agentID, pollBatchLimit)
	if err != nil {
		logger.Errorf("Poll for pending commands failed: %v", err)
		return
	}
	for _, cmd := range cmds {
		p.d.Dispatch(ctx, Envelope{ID: cmd.ID, Command: cmd.Command, Priority: cmd.Priority})
	}
}
