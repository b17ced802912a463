//go:build windows

package pidfile

import (
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// SignalProber checks the process table since Windows has no null signal.
// A missing process is reported as ESRCH so Validate classifies it the same
// way as on Unix.
type SignalProber struct{}

func (SignalProber) Probe(pid int) error {
	if !ValidPID(pid) {
		return syscall.ESRCH
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil {
		return err
	}
	if !ok {
		return syscall.ESRCH
	}
	return nil
}
