package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// pidFileName lives next to the database in storage/.
const pidFileName = "hynous-data.pid"

// InstanceLock is the single-instance PID file guard. Acquire aborts
// when the recorded PID still belongs to a live process; Release removes
// the file only if it is still ours.
type InstanceLock struct {
	path string
	pid  int
}

// AcquireInstanceLock writes the PID file under dir.
func AcquireInstanceLock(dir string) (*InstanceLock, error) {
	path := filepath.Join(dir, pidFileName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		oldPid, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if parseErr == nil {
			alive, _ := process.PidExists(int32(oldPid))
			if alive {
				return nil, fmt.Errorf("another instance is running (pid %d)", oldPid)
			}
		}
		// Stale or garbage PID file: safe to overwrite.
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &InstanceLock{path: path, pid: pid}, nil
}

// Release removes the PID file if it still records this process.
func (l *InstanceLock) Release() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	if strings.TrimSpace(string(data)) == strconv.Itoa(l.pid) {
		_ = os.Remove(l.path)
	}
}
