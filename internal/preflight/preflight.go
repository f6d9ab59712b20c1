// Package preflight validates the environment before the daemon starts
// serving: disk space and write access for the data directory, the file
// descriptor limit (watchers and SQLite both consume descriptors), and
// control port availability.
package preflight

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
)

// MinDiskSpaceBytes is the minimum free space required in the data
// directory (100 MB).
const MinDiskSpaceBytes = 100 * 1024 * 1024

// MinFileDescriptors is the minimum file descriptor limit. Each
// workspace holds store handles plus recursive watches.
const MinFileDescriptors = 1024

// Status classifies a check result.
type Status int

const (
	StatusPass Status = iota
	StatusWarn
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Result is the outcome of one check.
type Result struct {
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Message  string `json:"message"`
	Required bool   `json:"required"`
}

// Critical reports whether this is a required check that failed.
func (r Result) Critical() bool {
	return r.Required && r.Status == StatusFail
}

// Checker runs the daemon's startup checks.
type Checker struct {
	dataDir string
	port    int
}

// New creates a checker for the given data directory and control port.
func New(dataDir string, port int) *Checker {
	return &Checker{dataDir: dataDir, port: port}
}

// RunAll runs every check and returns the results.
func (c *Checker) RunAll() []Result {
	return []Result{
		c.CheckDiskSpace(),
		c.CheckWriteAccess(),
		c.CheckFileDescriptors(),
		c.CheckPortAvailable(),
	}
}

// CriticalFailure returns the first required check that failed, if any.
func CriticalFailure(results []Result) (Result, bool) {
	for _, r := range results {
		if r.Critical() {
			return r, true
		}
	}
	return Result{}, false
}

// CheckDiskSpace verifies the data directory's filesystem has room for
// index growth.
func (c *Checker) CheckDiskSpace() Result {
	res := Result{Name: "disk_space", Required: true}

	if err := os.MkdirAll(c.dataDir, 0o755); err != nil {
		res.Status = StatusFail
		res.Message = fmt.Sprintf("cannot create data dir: %v", err)
		return res
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.dataDir, &stat); err != nil {
		res.Status = StatusFail
		res.Message = fmt.Sprintf("statfs: %v", err)
		return res
	}

	available := stat.Bavail * uint64(stat.Bsize)
	res.Message = fmt.Sprintf("%s free", formatBytes(available))
	if available < MinDiskSpaceBytes {
		res.Status = StatusFail
		res.Message += " (minimum: 100 MB)"
		return res
	}
	res.Status = StatusPass
	return res
}

// CheckWriteAccess verifies the data directory is writable.
func (c *Checker) CheckWriteAccess() Result {
	res := Result{Name: "write_access", Required: true}

	probe := filepath.Join(c.dataDir, ".preflight")
	f, err := os.Create(probe)
	if err != nil {
		res.Status = StatusFail
		res.Message = fmt.Sprintf("cannot write to %s: %v", c.dataDir, err)
		return res
	}
	_ = f.Close()
	_ = os.Remove(probe)

	res.Status = StatusPass
	res.Message = c.dataDir + " is writable"
	return res
}

// CheckFileDescriptors verifies the soft descriptor limit.
func (c *Checker) CheckFileDescriptors() Result {
	res := Result{Name: "file_descriptors", Required: false}

	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err != nil {
		res.Status = StatusWarn
		res.Message = fmt.Sprintf("getrlimit: %v", err)
		return res
	}

	res.Message = fmt.Sprintf("limit %d (minimum: %d)", rl.Cur, MinFileDescriptors)
	if rl.Cur < MinFileDescriptors {
		// Low limits degrade the watcher to polling but don't stop the
		// daemon.
		res.Status = StatusWarn
		return res
	}
	res.Status = StatusPass
	return res
}

// CheckPortAvailable verifies the control port can be bound. Port zero
// always passes; the kernel picks a free one.
func (c *Checker) CheckPortAvailable() Result {
	res := Result{Name: "control_port", Required: true}

	if c.port == 0 {
		res.Status = StatusPass
		res.Message = "ephemeral port"
		return res
	}
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", c.port))
	if err != nil {
		res.Status = StatusFail
		res.Message = fmt.Sprintf("port %d is not available: %v", c.port, err)
		return res
	}
	_ = l.Close()

	res.Status = StatusPass
	res.Message = fmt.Sprintf("port %d is free", c.port)
	return res
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/gb)
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/mb)
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/kb)
	default:
		return fmt.Sprintf("%d bytes", b)
	}
}
