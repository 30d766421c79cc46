// Package process is a thin wrapper around OS signal handling shared by the
// browserd CLI's foreground commands.
package process

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForInterrupt blocks until SIGINT or SIGTERM arrives, then invokes
// onSignal once. Safe to call from main's goroutine.
func WaitForInterrupt(onSignal func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	onSignal()
}
