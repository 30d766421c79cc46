package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/extbridge/browserd/internal/clientserver"
	"github.com/extbridge/browserd/internal/config"
	"github.com/extbridge/browserd/internal/orchestrator"
	"github.com/extbridge/browserd/internal/paths"
	"github.com/extbridge/browserd/internal/process"
)

func newServeCmd() *cobra.Command {
	var (
		detach               bool
		headless             bool
		wsPort               int
		socketPath           string
		heartbeatInterval    time.Duration
		heartbeatTimeout     time.Duration
		browserLaunchTimeout time.Duration
		commandTimeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (foreground by default)",
		Example: `  browserd serve
  # Runs in the foreground

  browserd serve --detach
  # Runs as a detached background process`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Config{
				WSPort:               wsPort,
				LocalSocketPath:      socketPath,
				HeartbeatInterval:    heartbeatInterval,
				HeartbeatTimeout:     heartbeatTimeout,
				BrowserLaunchTimeout: browserLaunchTimeout,
				CommandTimeout:       commandTimeout,
			}

			if detach {
				return daemonize(cfg, headless)
			}
			return runForeground(cfg, headless)
		},
	}

	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Run in the background")
	cmd.Flags().BoolVar(&headless, "headless", false, "Launch browsers headless")
	cmd.Flags().IntVar(&wsPort, "ws-port", 0, "Extension channel listen port (0 lets the OS choose)")
	cmd.Flags().StringVar(&socketPath, "socket", "", "Local client socket path (defaults to the platform standard location)")
	cmd.Flags().DurationVar(&heartbeatInterval, "heartbeat-interval", config.DefaultHeartbeatInterval, "Extension ping cadence")
	cmd.Flags().DurationVar(&heartbeatTimeout, "heartbeat-timeout", config.DefaultHeartbeatTimeout, "Extension pong deadline")
	cmd.Flags().DurationVar(&browserLaunchTimeout, "browser-launch-timeout", config.DefaultBrowserLaunchTimeout, "Deadline for an extension to connect after a browser launch")
	cmd.Flags().DurationVar(&commandTimeout, "command-timeout", config.DefaultCommandTimeout, "Per-command response deadline")

	return cmd
}

func runForeground(cfg config.Config, headless bool) error {
	clientserver.CleanStale()

	d := orchestrator.New(orchestrator.Options{Config: cfg, Headless: headless})
	if err := d.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	if err := clientserver.WritePID(d.SocketPath(), d.Port()); err != nil {
		d.Stop()
		return fmt.Errorf("write PID file: %w", err)
	}
	defer clientserver.RemovePID()

	fmt.Fprintf(os.Stderr, "browserd started (pid %d, extension port %d)\n", os.Getpid(), d.Port())

	process.WaitForInterrupt(func() {
		fmt.Fprintln(os.Stderr, "browserd shutting down...")
		d.Stop()
	})

	return nil
}

func daemonize(cfg config.Config, headless bool) error {
	clientserver.CleanStale()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}

	args := []string{"serve"}
	if headless {
		args = append(args, "--headless")
	}
	if cfg.WSPort != 0 {
		args = append(args, fmt.Sprintf("--ws-port=%d", cfg.WSPort))
	}
	if cfg.LocalSocketPath != "" {
		args = append(args, fmt.Sprintf("--socket=%s", cfg.LocalSocketPath))
	}

	child := exec.Command(exe, args...)
	setSysProcAttr(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}

	socketPath := cfg.LocalSocketPath
	if socketPath == "" {
		socketPath, err = paths.GetSocketPath()
		if err != nil {
			return err
		}
	}

	if err := waitForSocket(socketPath, 5*time.Second); err != nil {
		return fmt.Errorf("daemon failed to start: %w", err)
	}

	fmt.Printf("browserd started (pid %d)\n", child.Process.Pid)
	return nil
}
