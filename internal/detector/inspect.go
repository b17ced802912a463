package detector

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/pidkeeper/internal/pidfile"
)

// ProcessInfo describes a running process. Fields other than PID are
// best-effort and left empty when the platform or permissions hide them.
type ProcessInfo struct {
	PID       int       `json:"pid"`
	Name      string    `json:"name,omitempty"`
	Cmdline   string    `json:"cmdline,omitempty"`
	Username  string    `json:"username,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Inspect gathers what can be learned about pid.
func Inspect(pid int) (ProcessInfo, error) {
	info := ProcessInfo{PID: pid}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return info, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	if n, err := p.Name(); err == nil {
		info.Name = n
	}
	if c, err := p.Cmdline(); err == nil {
		info.Cmdline = strings.TrimSpace(c)
	}
	if u, err := p.Username(); err == nil {
		info.Username = u
	}
	if st, ok := procStartTime(pid); ok {
		info.StartedAt = st
	}
	return info, nil
}

// Holder is the view of a pidfile used by status reporting.
type Holder struct {
	Path      string       `json:"path"`
	Running   bool         `json:"running"`
	PID       int          `json:"pid,omitempty"`
	WrittenAt time.Time    `json:"written_at,omitempty"`
	Process   *ProcessInfo `json:"process,omitempty"`
	// PIDReused is set when the live process started after the pidfile was
	// written, which means the recorded pid was recycled.
	PIDReused bool `json:"pid_reused,omitempty"`
}

// DescribeHolder validates path and, if a process holds it, inspects it.
func DescribeHolder(path string, pr pidfile.Prober) (Holder, error) {
	h := Holder{Path: path}
	res, err := pidfile.New(path, pidfile.WithProber(pr)).Validate()
	if err != nil {
		return h, err
	}
	pid, ok := res.PID()
	if !ok {
		return h, nil
	}
	h.Running = true
	h.PID = pid
	if st, err := os.Stat(path); err == nil {
		h.WrittenAt = st.ModTime()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return h, err
	}
	info, err := Inspect(pid)
	if err != nil {
		// still running, just not inspectable
		return h, nil
	}
	h.Process = &info
	h.PIDReused = startedAfter(info.StartedAt, h.WrittenAt)
	return h, nil
}

// startedAfter allows one second of slack since start times from /proc
// only have clock-tick resolution rounded down to seconds.
func startedAfter(started, written time.Time) bool {
	if started.IsZero() || written.IsZero() {
		return false
	}
	return started.After(written.Add(time.Second))
}
