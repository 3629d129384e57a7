package devicekeeper

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

var (
	hostIDOnce sync.Once
	hostID     string
)

// HostUUID returns a best-effort stable identifier of the machine running the fleet, so
// status rows from several keepers sharing one table can be told apart.
func HostUUID() string {
	hostIDOnce.Do(func() {
		hostID = lookupHostUUID()
		if hostID == "" {
			hostID, _ = os.Hostname()
		}
	})
	return hostID
}

func lookupHostUUID() string {
	switch runtime.GOOS {
	case "darwin":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		out, err := exec.CommandContext(ctx, "bash", "-c",
			"system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'").Output()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(out))
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return id
				}
			}
		}
	}
	return ""
}
