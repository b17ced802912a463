//go:build windows

package main

import (
	"fmt"
	"os"
	"strings"
)

// lookupSignal only knows KILL since Windows cannot deliver other signals
// to another process.
func lookupSignal(name string) (os.Signal, error) {
	n := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG")
	if n == "KILL" || n == "9" {
		return os.Kill, nil
	}
	return nil, fmt.Errorf("signal %q is not supported on windows", name)
}
