package nbexec

import (
	"context"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemInfo is a best-effort diagnostic snapshot of the compute host,
// attached to FAILED status records. Collection never fails the run: fields
// that cannot be read are simply left zero.
type SystemInfo struct {
	Hostname        string            `json:"hostname,omitempty"`
	Platform        string            `json:"platform,omitempty"`
	OS              string            `json:"os"`
	Arch            string            `json:"arch"`
	NumCPU          int               `json:"numCpu"`
	GoVersion       string            `json:"goVersion"`
	UptimeSeconds   uint64            `json:"uptimeSeconds,omitempty"`
	TotalMemory     uint64            `json:"totalMemory,omitempty"`
	AvailableMemory uint64            `json:"availableMemory,omitempty"`
	Load1           float64           `json:"load1,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
}

// secretEnvMarkers flag environment variable names whose values must never
// appear in status records.
var secretEnvMarkers = []string{
	"SECRET", "TOKEN", "PASSWORD", "PASSWD", "CREDENTIAL", "API_KEY",
	"ACCESS_KEY", "PRIVATE", "AUTH",
}

const redactedValue = "[redacted]"

// CollectSystemInfo gathers the diagnostic snapshot. environ is the host
// environment in KEY=VALUE form (typically os.Environ()); values of
// secret-looking variables are redacted before inclusion.
func CollectSystemInfo(ctx context.Context, environ []string) *SystemInfo {
	info := &SystemInfo{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		NumCPU:      runtime.NumCPU(),
		GoVersion:   runtime.Version(),
		Environment: RedactEnvironment(environ),
	}
	if hostInfo, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = hostInfo.Hostname
		info.Platform = hostInfo.Platform
		info.UptimeSeconds = hostInfo.Uptime
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.TotalMemory = vm.Total
		info.AvailableMemory = vm.Available
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.Load1 = avg.Load1
	}
	return info
}

// RedactEnvironment converts KEY=VALUE pairs into a map, replacing values of
// secret-looking keys with a redaction marker.
func RedactEnvironment(environ []string) map[string]string {
	if len(environ) == 0 {
		return nil
	}
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if isSecretEnvKey(key) {
			value = redactedValue
		}
		env[key] = value
	}
	return env
}

func isSecretEnvKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range secretEnvMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
