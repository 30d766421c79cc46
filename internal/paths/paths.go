// Package paths resolves the daemon's filesystem locations: the local
// client socket, the PID file, and the state directory they live in.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const daemonDirName = "browserd"

// GetDaemonDir returns the directory holding the daemon's runtime files,
// creating no directories itself.
func GetDaemonDir() (string, error) {
	if dir := os.Getenv("BROWSERD_HOME"); dir != "" {
		return dir, nil
	}

	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(base, daemonDirName), nil
}

// GetSocketPath returns the path (Unix) or pipe name (Windows) for the local
// client socket.
func GetSocketPath() (string, error) {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\browserd`, nil
	}

	dir, err := GetDaemonDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.sock"), nil
}

// GetPIDPath returns the path to the daemon's PID file.
func GetPIDPath() (string, error) {
	dir, err := GetDaemonDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.pid"), nil
}
