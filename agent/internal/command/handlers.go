package command

import (
	"context"
	"errors"
	"runtime"
	"time"

	"nimbus-agent/agent/internal/logger"
	"nimbus-agent/agent/internal/result"
	"nimbus-agent/agent/internal/state"
	"nimbus-agent/agent/internal/unit"
	"nimbus-agent/agent/internal/update"
)

func init() {
	Register("ping", pingHandler)
	Register("get_status", statusHandler)
	Register("sync_plugins", syncUnitsHandler)
	Register("reload_plugins", reloadUnitsHandler)
	Register("list_plugins", listUnitsHandler)
	Register("check_update", checkUpdateHandler)
	Register("self_update", selfUpdateHandler)
	Register("update_plugin", updateUnitHandler)
	Register("plugin_command", unitCommandHandler)
	Register("restart", restartHandler)
}

func pingHandler(_ context.Context, _ *Dispatcher, _ map[string]any) result.Result {
	return result.Ok(map[string]any{
		"message":   "pong",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func statusHandler(_ context.Context, d *Dispatcher, _ map[string]any) result.Result {
	mode := "polling"
	if state.Connected() {
		mode = "online"
	}
	return result.Ok(map[string]any{
		"agent_id":       d.info.AgentID,
		"id_source":      d.info.IDSource,
		"version":        d.info.Version,
		"uptime_seconds": int64(time.Since(d.info.StartedAt).Seconds()),
		"plugins":        d.units.List(),
		"connectivity":   mode,
		"platform":       runtime.GOOS,
	})
}

func syncUnitsHandler(ctx context.Context, d *Dispatcher, _ map[string]any) result.Result {
	return d.SyncUnits(ctx)
}

func reloadUnitsHandler(_ context.Context, d *Dispatcher, _ map[string]any) result.Result {
	d.units.LoadFromDisk()
	return result.Ok(map[string]any{"plugins": d.units.List()})
}

func listUnitsHandler(_ context.Context, d *Dispatcher, _ map[string]any) result.Result {
	return result.Ok(map[string]any{"plugins": d.units.List()})
}

func checkUpdateHandler(ctx context.Context, d *Dispatcher, _ map[string]any) result.Result {
	info, err := d.updates.Check(ctx)
	if err != nil {
		return result.Errf(result.KindTransport, "update check: %v", err)
	}
	if info == nil {
		return result.Ok(map[string]any{
			"update_available": false,
			"current_version":  d.info.Version,
		})
	}
	return result.Ok(map[string]any{
		"update_available": true,
		"current_version":  d.info.Version,
		"new_version":      info.Version,
		"release_notes":    info.ReleaseNotes,
	})
}

func selfUpdateHandler(ctx context.Context, d *Dispatcher, params map[string]any) result.Result {
	return d.updates.Apply(ctx, update.Options{
		URL:      strParam(params, "url"),
		Checksum: strParam(params, "checksum"),
		Force:    boolParam(params, "force"),
	})
}

func updateUnitHandler(ctx context.Context, d *Dispatcher, params map[string]any) result.Result {
	name := strParam(params, "name")
	url := strParam(params, "url")
	if name == "" || url == "" {
		return result.Err(result.KindPayload, "missing 'name' or 'url' in command")
	}

	code, err := update.Fetch(ctx, d.hc, url)
	if err != nil {
		return result.Errf(result.KindTransport, "download unit %s: %v", name, err)
	}
	if err := d.units.LoadFromSource(name, code, strParam(params, "checksum")); err != nil {
		return loadFailure(name, err)
	}
	return result.Ok(map[string]any{
		"message": "unit " + name + " updated",
		"plugins": d.units.List(),
	})
}

func unitCommandHandler(ctx context.Context, d *Dispatcher, params map[string]any) result.Result {
	name := strParam(params, "plugin")
	if name == "" {
		return result.Err(result.KindPayload, "missing 'plugin' field in command")
	}
	return d.units.Invoke(ctx, name, mapParam(params, "args"))
}

func restartHandler(_ context.Context, d *Dispatcher, _ map[string]any) result.Result {
	// fire after the terminal status report has gone out
	time.AfterFunc(d.restartDelay, func() {
		if err := d.restarter.Restart(); err != nil {
			logger.Errorf("Restart failed: %v", err)
		}
	})
	return result.Ok(map[string]any{
		"message":    "agent restarting",
		"restarting": true,
	})
}

// loadFailure maps registry load errors onto the failure taxonomy.
func loadFailure(name string, err error) result.Result {
	var ierr *unit.IntegrityError
	switch {
	case errors.As(err, &ierr), errors.Is(err, unit.ErrMissingChecksum):
		return result.Errf(result.KindIntegrity, "unit %s rejected: %v", name, err)
	default:
		return result.Errf(result.KindLoad, "unit %s load failed: %v", name, err)
	}
}
