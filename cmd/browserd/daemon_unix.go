//go:build !windows

package main

import (
	"net"
	"os/exec"
	"syscall"
	"time"
)

// setSysProcAttr detaches the child daemon process into its own session.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// dialSocket connects to the local client Unix domain socket.
func dialSocket(socketPath string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", socketPath, timeout)
}
