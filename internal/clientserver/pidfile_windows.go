//go:build windows

package clientserver

import (
	"bytes"
	"fmt"
	"os/exec"
)

// processRunning reports whether pid refers to a live process.
func processRunning(pid int) bool {
	out, err := exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/FO", "CSV", "/NH").Output()
	if err != nil {
		return false
	}
	return len(out) > 0 && bytes.Contains(out, []byte(fmt.Sprintf("%d", pid)))
}

// stopProcess terminates pid. Windows has no graceful SIGTERM equivalent
// reachable from os.Process, so this is a forceful kill.
func stopProcess(pid int) error {
	return exec.Command("taskkill", "/F", "/PID", fmt.Sprintf("%d", pid)).Run()
}
