package update

import (
	"context"
	"time"

	"nimbus-agent/agent/internal/logger"
)

// AutoUpdateRun checks the control plane on a timer and applies any newer
// build through the identical protocol. After a successful apply it stops
// scheduling further checks: the process is about to be replaced.
func (e *Engine) AutoUpdateRun(ctx context.Context, interval time.Duration) {
	logger.Infof("Auto-update enabled, checking every %v", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		info, err := e.Check(ctx)
		if err != nil {
			logger.Errorf("Update check failed: %v", err)
			continue
		}
		if info == nil || info.Version == e.version {
			continue
		}

		logger.Infof("Update available: %s -> %s", e.version, info.Version)
		res := e.Apply(ctx, Options{})
		if !res.Success {
			logger.Errorf("Auto-update failed: %s", res.Error)
			continue
		}
		if restarting, _ := res.Data["restarting"].(bool); restarting {
			logger.Info("Update applied, agent will restart")
			return
		}
	}
}
