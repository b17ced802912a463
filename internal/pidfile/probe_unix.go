//go:build !windows

package pidfile

import "syscall"

// SignalProber sends the null signal to pid. It returns nil when the process
// exists and may be signalled, ESRCH when it is gone and EPERM when it exists
// but belongs to someone else.
type SignalProber struct{}

func (SignalProber) Probe(pid int) error {
	return syscall.Kill(pid, 0)
}
