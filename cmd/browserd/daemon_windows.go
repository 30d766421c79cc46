//go:build windows

package main

import (
	"net"
	"os/exec"
	"time"

	"github.com/Microsoft/go-winio"
)

// setSysProcAttr is a no-op on Windows: the detached child still shares the
// parent's console unless CREATE_NEW_PROCESS_GROUP is set, which serve's
// --detach mode doesn't need for the common case.
func setSysProcAttr(cmd *exec.Cmd) {}

// dialSocket connects to the local client named pipe.
func dialSocket(socketPath string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(socketPath, &timeout)
}
