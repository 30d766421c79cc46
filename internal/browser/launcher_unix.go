//go:build !windows

package browser

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// platformChromeArgs returns Unix-specific Chrome launch arguments.
func platformChromeArgs() []string {
	return []string{"--no-first-run", "--no-default-browser-check"}
}

// chromeBinary locates a Chrome/Chromium executable, honoring an explicit
// override before falling back to well-known names on $PATH.
func chromeBinary() (string, error) {
	if bin := os.Getenv("BROWSERD_CHROME_PATH"); bin != "" {
		return bin, nil
	}

	for _, name := range []string{"google-chrome", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no chrome/chromium executable found on PATH (set BROWSERD_CHROME_PATH)")
}

// setProcGroup sets the process group for the command (Unix only).
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killByPid sends SIGKILL to the process group led by pid (setProcGroup
// makes the group id equal to the pid), falling back to the single process.
func killByPid(pid int) {
	if syscall.Kill(-pid, syscall.SIGKILL) != nil {
		syscall.Kill(pid, syscall.SIGKILL)
	}
}

// waitForProcessesDead polls until all PIDs have exited or timeout is reached.
func waitForProcessesDead(pids []int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		allDead := true
		for _, pid := range pids {
			if syscall.Kill(pid, 0) == nil {
				allDead = false
				break
			}
		}
		if allDead {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
