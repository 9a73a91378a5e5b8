package update

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"nimbus-agent/agent/internal/logger"
)

// ServiceRestarter restarts the agent through the platform service manager:
// launchd on macOS, systemd elsewhere. Errors are reported but the process
// keeps running; the service manager owns recovery from here.
type ServiceRestarter struct {
	// ServiceName overrides the managed service/plist label.
	ServiceName string
}

func (r ServiceRestarter) Restart() error {
	name := r.ServiceName
	if name == "" {
		name = "nimbus-agent"
	}
	logger.Infof("Requesting service restart: %s", name)

	if runtime.GOOS == "darwin" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		plist := filepath.Join(home, "Library", "LaunchAgents", "com."+name+".plist")
		if err := exec.Command("launchctl", "unload", plist).Run(); err != nil {
			logger.Warnf("launchctl unload: %v", err)
		}
		return exec.Command("launchctl", "load", plist).Run()
	}
	return exec.Command("systemctl", "restart", name).Run()
}
