//go:build windows

package clientserver

import (
	"net"

	"github.com/Microsoft/go-winio"
)

// listen creates the local client socket as a Windows named pipe. go-winio's
// PipeConfig gives every connecting client its own security descriptor
// check, the Windows equivalent of the Unix socket's filesystem permission
// bits.
func listen(socketPath string) (net.Listener, error) {
	return winio.ListenPipe(socketPath, &winio.PipeConfig{
		MessageMode:      false,
		InputBufferSize:  64 * 1024,
		OutputBufferSize: 64 * 1024,
	})
}

// cleanup is a no-op on Windows: named pipes are kernel objects with no
// filesystem entry to unlink.
func cleanup(socketPath string) {}
