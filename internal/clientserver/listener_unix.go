//go:build !windows

package clientserver

import (
	"net"
	"os"
)

// listen creates the local client socket: a Unix domain socket, removing any
// stale file left behind by a prior, uncleanly-terminated run.
func listen(socketPath string) (net.Listener, error) {
	_ = os.Remove(socketPath)
	return net.Listen("unix", socketPath)
}

// cleanup removes the socket's filesystem entry.
func cleanup(socketPath string) {
	_ = os.Remove(socketPath)
}
