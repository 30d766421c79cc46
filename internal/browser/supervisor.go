// Package browser is the thin collaborator boundary around the external
// browser process: it knows how to launch a browser bound to a session and
// how to kill it, nothing more. It does not know when the extension inside
// that browser actually connects — that rendezvous happens between the
// channel server and the router via the router's waiter.
package browser

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/extbridge/browserd/internal/log"
)

// killTimeout bounds how long KillBrowser waits for the process to exit
// before giving up. Kills are best-effort.
const killTimeout = 5 * time.Second

// LaunchOptions configures a single browser launch.
type LaunchOptions struct {
	SessionID string
	Headless  bool
	ExtraArgs []string
}

// Launcher abstracts the actual OS process spawn so Supervisor can be tested
// without forking a real browser.
type Launcher func(opts LaunchOptions) (pid int, err error)

// Supervisor launches and kills browsers bound to sessions.
type Supervisor struct {
	mu       sync.Mutex
	byID     map[string]int // sessionID -> pid
	launch   Launcher
	headless bool
}

// NewSupervisor creates a Supervisor that launches a real browser binary via
// exec.Command. When headless is true every launch is headless; when it is
// false, a launch is headless only if its LaunchOptions.Headless is set.
func NewSupervisor(headless bool) *Supervisor {
	return &Supervisor{
		byID:     make(map[string]int),
		launch:   execLauncher,
		headless: headless,
	}
}

// NewSupervisorWithLauncher is used by tests to inject a fake Launcher.
func NewSupervisorWithLauncher(launch Launcher) *Supervisor {
	return &Supervisor{byID: make(map[string]int), launch: launch}
}

// HasBrowser reports whether a browser is already known to be
// launching/running for sessionID, so the caller can skip a redundant launch.
func (s *Supervisor) HasBrowser(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[sessionID]
	return ok
}

// LaunchBrowser launches a browser bound to sessionID. Callers that need to
// wait for the browser to come up should bound that wait themselves; this
// call only starts the process.
func (s *Supervisor) LaunchBrowser(opts LaunchOptions) error {
	if opts.Headless == false && s.headless {
		opts.Headless = s.headless
	}

	pid, err := s.launch(opts)
	if err != nil {
		log.Error("browser launch failed", "session", opts.SessionID, "error", err)
		return fmt.Errorf("launch browser for session %s: %w", opts.SessionID, err)
	}

	s.mu.Lock()
	s.byID[opts.SessionID] = pid
	s.mu.Unlock()

	log.Debug("browser launched", "session", opts.SessionID, "pid", pid)
	return nil
}

// KillBrowser kills the browser bound to sessionID, if any. Best-effort:
// kill errors are ignored, never returned.
func (s *Supervisor) KillBrowser(sessionID string) {
	s.mu.Lock()
	pid, ok := s.byID[sessionID]
	delete(s.byID, sessionID)
	s.mu.Unlock()

	if !ok {
		return
	}

	killByPid(pid)
	waitForProcessesDead([]int{pid}, killTimeout)
	log.Debug("browser killed", "session", sessionID, "pid", pid)
}

// execLauncher is the default Launcher: spawns a real browser process in its
// own process group so KillBrowser can tear down the whole tree.
func execLauncher(opts LaunchOptions) (int, error) {
	bin, err := chromeBinary()
	if err != nil {
		return 0, err
	}

	args := append(platformChromeArgs(), opts.ExtraArgs...)
	if opts.Headless {
		args = append(args, "--headless=new")
	}

	cmd := exec.Command(bin, args...)
	setProcGroup(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// Reap asynchronously so the process doesn't become a zombie; the
	// supervisor only tracks liveness by pid, not by exit status.
	go func() { _ = cmd.Wait() }()

	return cmd.Process.Pid, nil
}
