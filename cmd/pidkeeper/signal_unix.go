//go:build !windows

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

var signalNames = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"KILL": syscall.SIGKILL,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
	"TERM": syscall.SIGTERM,
	"CONT": syscall.SIGCONT,
}

// lookupSignal accepts "TERM", "SIGTERM" or a signal number.
func lookupSignal(name string) (os.Signal, error) {
	n := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG")
	if s, ok := signalNames[n]; ok {
		return s, nil
	}
	if num, err := strconv.Atoi(n); err == nil && num > 0 {
		return syscall.Signal(num), nil
	}
	return nil, fmt.Errorf("unknown signal %q", name)
}
