// Package identity derives the stable agent id and the host facts sent
// with heartbeats. The id is computed once at startup and never changes
// during a run.
package identity

import (
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
)

var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// Detect resolves the agent id. A configured override wins; "auto" or empty
// falls back to the machine id, then the hostname, then a random id.
func Detect(override string) string {
	if override != "" && !strings.EqualFold(override, "auto") {
		return override
	}
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id := strings.TrimSpace(string(data))
		if len(id) >= 12 {
			return "linux-" + id[:12]
		}
	}
	if host := Hostname(); host != "" {
		return strings.ReplaceAll(strings.ToLower(host), " ", "-")
	}
	return "agent-" + uuid.NewString()
}

func Hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

// OutboundIP reports the local address used for outbound traffic. Best-effort;
// no packets are sent.
func OutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
