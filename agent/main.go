package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nimbus-agent/agent/internal/command"
	"nimbus-agent/agent/internal/config"
	"nimbus-agent/agent/internal/controlplane"
	"nimbus-agent/agent/internal/db"
	"nimbus-agent/agent/internal/heartbeat"
	"nimbus-agent/agent/internal/identity"
	"nimbus-agent/agent/internal/logger"
	"nimbus-agent/agent/internal/realtime"
	"nimbus-agent/agent/internal/state"
	"nimbus-agent/agent/internal/unit"
	"nimbus-agent/agent/internal/update"
)

// VERSION = "2.1.0"
// The marker above is scanned out of released code by the update engine.
const agentVersion = "2.1.0"

func main() {
	cfgPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	cfg := config.Init(*cfgPath)
	_ = logger.Init(cfg.LogPath)
	logger.Infof("Agent v%s starting", agentVersion)

	adb, dberr := db.Init(cfg.DBPath)
	if dberr != nil {
		logger.Error("Cannot open SQLite:", dberr)
		return
	}
	if err := adb.AutoMigrate(&db.UnitRecord{}, &db.ProcessedCommand{}); err != nil {
		logger.Error("Cannot migrate SQLite:", err)
		return
	}

	agentID := identity.Detect(cfg.AgentID)
	idSource := "configured"
	if cfg.AgentID == "" || strings.EqualFold(cfg.AgentID, "auto") {
		idSource = "auto-detected"
	}
	logger.Infof("Agent id: %s (%s)", agentID, idSource)

	cp := controlplane.New(cfg.QueryURL)

	units := unit.NewRegistry(cfg.UnitsDir, cfg.UnitTimeout)
	units.LoadFromDisk()

	restarter := update.ServiceRestarter{}
	engine := update.NewEngine(cfg.AgentCodePath, agentVersion, cp, restarter)

	disp := command.NewDispatcher(command.Config{
		Sink:      cp,
		Units:     units,
		Updates:   engine,
		Source:    cp,
		Restarter: restarter,
		Info: command.Info{
			AgentID:   agentID,
			IDSource:  idSource,
			Version:   agentVersion,
			StartedAt: time.Now(),
		},
	})
	poller := command.NewPoller(cp, disp, agentID, cfg.PollInterval)
	hb := heartbeat.New(cp, agentID, agentVersion, cfg.HeartbeatInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// reconcile the unit set before serving commands
	if res := disp.SyncUnits(ctx); !res.Success {
		logger.Warnf("Initial unit sync failed: %s", res.Error)
	}

	rt := realtime.New(cfg.WSURL, agentID, cfg.ReconnectDelay, rtHandler{disp: disp, poller: poller, ctx: ctx})

	go hb.Run(ctx)
	go poller.Run(ctx)
	go rt.Run(ctx)
	go func() {
		if err := units.Watch(ctx); err != nil {
			logger.Warnf("Unit directory watch unavailable: %v", err)
		}
	}()
	if cfg.UnitAutoSync {
		disp.StartUnitSyncLoop(ctx, cfg.UnitSyncInterval)
	}
	if cfg.AutoUpdate {
		go engine.AutoUpdateRun(ctx, cfg.UpdateCheckInterval)
	}

	<-ctx.Done()
	state.SetShuttingDown(true)
	rt.Close()
	logger.Info("Shutdown signal received, exiting...")
}

// rtHandler bridges the push channel into the dispatcher and the poll path.
type rtHandler struct {
	disp   *command.Dispatcher
	poller *command.Poller
	ctx    context.Context
}

func (h rtHandler) HandleCommand(raw json.RawMessage) {
	var env command.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Errorf("Malformed pushed command: %v", err)
		return
	}
	h.disp.Dispatch(h.ctx, env)
}

func (h rtHandler) SyncUnits() {
	if res := h.disp.SyncUnits(h.ctx); !res.Success {
		logger.Errorf("Pushed unit sync failed: %s", res.Error)
	}
}

func (h rtHandler) FlushPending() {
	h.poller.Flush(h.ctx)
}
