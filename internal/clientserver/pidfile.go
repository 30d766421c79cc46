package clientserver

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/extbridge/browserd/internal/paths"
)

// Record is what gets persisted to the PID file: enough for the CLI to find
// and describe the running daemon without dialing its socket first.
type Record struct {
	PID        int       `json:"pid"`
	SocketPath string    `json:"socketPath"`
	Port       int       `json:"port"`
	StartedAt  time.Time `json:"startedAt"`
}

// WritePID records the current process's identity, socket path, and
// extension channel port, so CLI commands (status, stop) can find and
// describe the running daemon without talking to its socket first.
func WritePID(socketPath string, port int) error {
	pidPath, err := paths.GetPIDPath()
	if err != nil {
		return fmt.Errorf("get PID path: %w", err)
	}

	dir, err := paths.GetDaemonDir()
	if err != nil {
		return fmt.Errorf("get daemon dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create daemon dir: %w", err)
	}

	rec := Record{
		PID:        os.Getpid(),
		SocketPath: socketPath,
		Port:       port,
		StartedAt:  time.Now(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode PID record: %w", err)
	}

	return os.WriteFile(pidPath, data, 0644)
}

// ReadRecord reads the PID file's full record, returning a zero Record if it
// doesn't exist.
func ReadRecord() (Record, error) {
	pidPath, err := paths.GetPIDPath()
	if err != nil {
		return Record{}, err
	}

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, nil
		}
		return Record{}, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("invalid PID file content: %w", err)
	}
	return rec, nil
}

// ReadPID reads the PID recorded in the PID file, returning 0 if it doesn't
// exist.
func ReadPID() (int, error) {
	rec, err := ReadRecord()
	if err != nil {
		return 0, err
	}
	return rec.PID, nil
}

// RemovePID removes the PID file, if present.
func RemovePID() error {
	pidPath, err := paths.GetPIDPath()
	if err != nil {
		return err
	}
	if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsRunning reports whether the daemon recorded in the PID file is alive.
func IsRunning() bool {
	pid, err := ReadPID()
	if err != nil || pid == 0 {
		return false
	}
	return processRunning(pid)
}

// Shutdown signals the running daemon to stop and clears its PID file.
func Shutdown() error {
	pid, err := ReadPID()
	if err != nil {
		return err
	}
	if pid == 0 || !processRunning(pid) {
		return fmt.Errorf("daemon is not running")
	}
	if err := stopProcess(pid); err != nil {
		return fmt.Errorf("signal daemon process %d: %w", pid, err)
	}
	return RemovePID()
}

// CleanStale removes a PID file and socket left behind by a daemon that
// crashed without running its own shutdown sequence.
func CleanStale() {
	rec, err := ReadRecord()
	if err != nil || rec.PID == 0 || processRunning(rec.PID) {
		return
	}

	_ = RemovePID()

	socketPath := rec.SocketPath
	if socketPath == "" {
		socketPath, err = paths.GetSocketPath()
		if err != nil {
			return
		}
	}
	cleanup(socketPath)
}
