package command

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nimbus-agent/agent/internal/controlplane"
	"nimbus-agent/agent/internal/db"
	"nimbus-agent/agent/internal/dedupe"
	"nimbus-agent/agent/internal/logger"
	"nimbus-agent/agent/internal/result"
	"nimbus-agent/agent/internal/update"
)

const (
	reportTimeout = 10 * time.Second
	dedupeWindow  = time.Hour
	dedupeLimit   = 4096
)

// StatusSink reports lifecycle transitions back to the control plane.
type StatusSink interface {
	UpdateStatus(ctx context.Context, id int64, status string, res any) error
}

// UnitRegistry is the capability registry the dispatcher routes into.
type UnitRegistry interface {
	LoadFromDisk() []string
	LoadFromSource(name string, code []byte, checksum string) error
	Invoke(ctx context.Context, name string, args map[string]any) result.Result
	List() []string
}

// Updater runs the self-update protocol.
type Updater interface {
	Apply(ctx context.Context, opts update.Options) result.Result
	Check(ctx context.Context) (*controlplane.UpdateInfo, error)
}

// UnitSource serves the control plane's pushed unit set.
type UnitSource interface {
	UnitSet(ctx context.Context) ([]controlplane.UnitSpec, error)
}

// Info describes the running agent, reported by get_status.
type Info struct {
	AgentID   string
	IDSource  string // "configured" or "auto-detected"
	Version   string
	StartedAt time.Time
}

type Config struct {
	Sink      StatusSink
	Units     UnitRegistry
	Updates   Updater
	Source    UnitSource
	Restarter update.Restarter
	Info      Info
}

// Dispatcher consumes command envelopes from both transports and drives them
// through the status lifecycle. Execution is serialized through one entry
// point, so a command id delivered twice runs at most once.
type Dispatcher struct {
	mu sync.Mutex

	sink      StatusSink
	units     UnitRegistry
	updates   Updater
	source    UnitSource
	restarter update.Restarter
	info      Info

	recent       *dedupe.Window
	hc           *http.Client
	restartDelay time.Duration
}

func NewDispatcher(cfg Config) *Dispatcher {
	return &Dispatcher{
		sink:         cfg.Sink,
		units:        cfg.Units,
		updates:      cfg.Updates,
		source:       cfg.Source,
		restarter:    cfg.Restarter,
		info:         cfg.Info,
		recent:       dedupe.New(dedupeWindow, dedupeLimit),
		hc:           &http.Client{Timeout: 30 * time.Second},
		restartDelay: 2 * time.Second,
	}
}

// Dispatch runs one command to its terminal status. Both transports route
// through here; duplicates inside the dedupe window are dropped before any
// status is reported.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.recent.SeenOrRemember(env.ID) || db.CommandProcessed(env.ID, dedupeWindow) {
		logger.Warnf("Command %d already processed, skipping duplicate delivery", env.ID)
		return
	}

	params, err := decodeBody(env.Command)
	if err != nil {
		// no partial execution: fail immediately, processing never reported
		logger.Errorf("Command %d has invalid payload: %v", env.ID, err)
		d.report(ctx, env.ID, StatusFailed,
			result.Errf(result.KindPayload, "invalid command payload: %v", err))
		db.MarkCommandProcessed(env.ID, dedupeWindow)
		return
	}
	typ := strParam(params, "type")
	logger.Infof("Executing command %d: %s", env.ID, typ)

	d.report(ctx, env.ID, StatusProcessing, nil)

	res := d.execute(ctx, typ, params)

	status := StatusDone
	if !res.Success {
		status = StatusFailed
	}
	d.report(ctx, env.ID, status, res)
	db.MarkCommandProcessed(env.ID, dedupeWindow)
	logger.Infof("Command %d completed: %s", env.ID, status)
}

// execute is the dispatch boundary: every unexpected internal failure is
// caught here and converted to a failed result, never left to propagate.
func (d *Dispatcher) execute(ctx context.Context, typ string, params map[string]any) (res result.Result) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("Command handler %s panicked: %v", typ, p)
			res = result.Errf(result.KindExecution, "internal failure: %v", p)
		}
	}()

	h, ok := lookup(typ)
	if !ok {
		return result.Errf(result.KindPayload, "unknown command type: %q", typ)
	}
	return h(ctx, d, params)
}

func (d *Dispatcher) report(ctx context.Context, id int64, status string, res any) {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()
	if err := d.sink.UpdateStatus(ctx, id, status, res); err != nil {
		logger.Errorf("Status report for command %d (%s) failed: %v", id, status, err)
	}
}

// SyncUnits pulls the control plane's unit set and activates each entry.
// Per-unit load failures are isolated; the sync itself keeps going.
func (d *Dispatcher) SyncUnits(ctx context.Context) result.Result {
	specs, err := d.source.UnitSet(ctx)
	if err != nil {
		return result.Errf(result.KindTransport, "unit sync: %v", err)
	}

	var failed []string
	synced := 0
	for _, spec := range specs {
		if err := d.units.LoadFromSource(spec.Name, []byte(spec.Code), spec.Checksum); err != nil {
			logger.Errorf("Unit sync: load %s failed: %v", spec.Name, err)
			failed = append(failed, spec.Name)
			continue
		}
		synced++
	}

	res := result.Ok(map[string]any{
		"plugins": d.units.List(),
		"synced":  synced,
	})
	if len(failed) > 0 {
		res = res.With("failed", failed)
	}
	return res
}

// StartUnitSyncLoop periodically re-syncs the unit set from the control plane.
func (d *Dispatcher) StartUnitSyncLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if res := d.SyncUnits(ctx); !res.Success {
				logger.Errorf("Periodic unit sync failed: %s", res.Error)
			}
		}
	}()
}
