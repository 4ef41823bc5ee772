package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type CrashReport struct {
	ID        string       `json:"id"`
	Timestamp int64        `json:"timestamp"`
	Panic     string       `json:"panic"`
	Stack     string       `json:"stack"`
	OS        CrashOS      `json:"os"`
	Process   CrashProcess `json:"process"`
}

type CrashOS struct {
	LoadAvg  []float64 `json:"loadAvg,omitempty"`
	Uptime   float64   `json:"uptime,omitempty"`
	CPUCount int       `json:"cpuCount"`
	Platform string    `json:"platform"`
	Arch     string    `json:"arch"`
	Hostname string    `json:"hostname,omitempty"`
}

type CrashProcess struct {
	PID        int     `json:"pid"`
	UID        int     `json:"uid"`
	GID        int     `json:"gid"`
	HeapAlloc  uint64  `json:"heapAlloc"`
	Sys        uint64  `json:"sys"`
	Goroutines int     `json:"goroutines"`
	IsProxy    bool    `json:"isProxy"`
	Uptime     float64 `json:"uptime"`
}

var processStart = time.Now()

// NewCrashReport captures host and process diagnostics for a panic.
func NewCrashReport(recovered any, stack []byte, proxy bool) CrashReport {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	host, _ := os.Hostname()
	return CrashReport{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Panic:     fmt.Sprint(recovered),
		Stack:     string(stack),
		OS: CrashOS{
			LoadAvg:  loadAvg(),
			Uptime:   hostUptime(),
			CPUCount: runtime.NumCPU(),
			Platform: runtime.GOOS,
			Arch:     runtime.GOARCH,
			Hostname: host,
		},
		Process: CrashProcess{
			PID:        os.Getpid(),
			UID:        os.Getuid(),
			GID:        os.Getgid(),
			HeapAlloc:  ms.HeapAlloc,
			Sys:        ms.Sys,
			Goroutines: runtime.NumGoroutine(),
			IsProxy:    proxy,
			Uptime:     time.Since(processStart).Seconds(),
		},
	}
}

// WriteCrashReport writes r as crash-<id>.json under dir and returns the path.
func WriteCrashReport(dir string, r CrashReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "crash-"+r.ID+".json")
	return path, os.WriteFile(path, b, 0o644)
}

func loadAvg() []float64 {
	b, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return nil
	}
	fields := strings.Fields(string(b))
	out := make([]float64, 0, 3)
	for _, f := range fields[:min(3, len(fields))] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil
		}
		out = append(out, v)
	}
	return out
}

func hostUptime() float64 {
	b, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return 0
	}
	v, _ := strconv.ParseFloat(fields[0], 64)
	return v
}
