package main

import (
	"fmt"
	"time"
)

// waitForSocket polls the local client socket until it accepts a connection
// or timeout elapses.
func waitForSocket(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	interval := 50 * time.Millisecond

	for time.Now().Before(deadline) {
		conn, err := dialSocket(socketPath, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(interval)
		if interval < 500*time.Millisecond {
			interval *= 2
		}
	}

	return fmt.Errorf("socket not available after %s", timeout)
}
