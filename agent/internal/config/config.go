package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	WSURL    string
	QueryURL string

	AgentID           string // "" or "auto" = derive from machine identity
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ReconnectDelay    time.Duration

	UnitsDir         string
	UnitAutoSync     bool
	UnitSyncInterval time.Duration
	UnitTimeout      time.Duration

	AgentCodePath       string
	AutoUpdate          bool
	UpdateCheckInterval time.Duration

	DBPath  string
	LogPath string
}

var cfg AppConfig

func Init(path string) AppConfig {
	defaultDataDir := filepath.Join(os.TempDir(), "nimbus-agent")

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// defaults
	v.SetDefault("server.ws_url", "ws://127.0.0.1:9400/ws")
	v.SetDefault("server.query_url", "http://127.0.0.1:9400/graphql")
	v.SetDefault("agent.id", "auto")
	v.SetDefault("agent.heartbeat_interval", "30s")
	v.SetDefault("agent.poll_interval", "60s")
	v.SetDefault("agent.reconnect_delay", "5s")
	v.SetDefault("agent.code_path", defaultExecutablePath())
	v.SetDefault("agent.db_path", filepath.Join(defaultDataDir, "agent.db"))
	v.SetDefault("units.dir", "plugins")
	v.SetDefault("units.auto_sync", true)
	v.SetDefault("units.sync_interval", "5m")
	v.SetDefault("units.invoke_timeout", "60s")
	v.SetDefault("updates.auto_update", false)
	v.SetDefault("updates.check_interval", "1h")
	_ = v.ReadInConfig()

	cfg = AppConfig{
		WSURL:               v.GetString("server.ws_url"),
		QueryURL:            v.GetString("server.query_url"),
		AgentID:             v.GetString("agent.id"),
		HeartbeatInterval:   v.GetDuration("agent.heartbeat_interval"),
		PollInterval:        v.GetDuration("agent.poll_interval"),
		ReconnectDelay:      v.GetDuration("agent.reconnect_delay"),
		UnitsDir:            v.GetString("units.dir"),
		UnitAutoSync:        v.GetBool("units.auto_sync"),
		UnitSyncInterval:    v.GetDuration("units.sync_interval"),
		UnitTimeout:         v.GetDuration("units.invoke_timeout"),
		AgentCodePath:       v.GetString("agent.code_path"),
		AutoUpdate:          v.GetBool("updates.auto_update"),
		UpdateCheckInterval: v.GetDuration("updates.check_interval"),
		DBPath:              v.GetString("agent.db_path"),
		LogPath:             v.GetString("agent.log_path"),
	}
	return cfg
}

func Get() AppConfig { return cfg }

// defaultExecutablePath is the on-disk code the update engine replaces.
func defaultExecutablePath() string {
	exe, err := os.Executable()
	if err != nil {
		return "nimbus-agent"
	}
	return exe
}
