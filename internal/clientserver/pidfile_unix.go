//go:build !windows

package clientserver

import (
	"os"
	"syscall"
)

// processRunning reports whether pid refers to a live process, via the
// null-signal liveness check.
func processRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// stopProcess asks pid to terminate gracefully.
func stopProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(syscall.SIGTERM)
}
