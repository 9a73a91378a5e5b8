// Package heartbeat reports liveness, connectivity mode, and version to the
// control plane on a fixed schedule, independent of command traffic.
package heartbeat

import (
	"context"
	"time"

	"nimbus-agent/agent/internal/identity"
	"nimbus-agent/agent/internal/logger"
	"nimbus-agent/agent/internal/state"
)

const reportTimeout = 10 * time.Second

type Sink interface {
	ReportHeartbeat(ctx context.Context, agentID, version, status, ip, hostname string) error
}

type Reporter struct {
	sink     Sink
	agentID  string
	version  string
	interval time.Duration
}

func New(sink Sink, agentID, version string, interval time.Duration) *Reporter {
	return &Reporter{sink: sink, agentID: agentID, version: version, interval: interval}
}

// Run beats until the context is cancelled. Individual report failures are
// logged and never interrupt the schedule.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.beat(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reporter) beat(ctx context.Context) {
	mode := "polling"
	if state.Connected() {
		mode = "online"
	}

	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	err := r.sink.ReportHeartbeat(ctx, r.agentID, r.version, mode,
		identity.OutboundIP(), identity.Hostname())
	if err != nil {
		logger.Errorf("Heartbeat failed: %v", err)
	}
}
