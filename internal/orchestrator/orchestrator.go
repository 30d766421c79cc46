// Package orchestrator wires the daemon's components together: it builds the
// session registry, extension channel server, command router, and browser
// supervisor, connects their callbacks, and owns the daemon's start/stop
// lifecycle.
package orchestrator

import (
	"fmt"
	"os"

	"github.com/extbridge/browserd/internal/browser"
	"github.com/extbridge/browserd/internal/clientserver"
	"github.com/extbridge/browserd/internal/config"
	"github.com/extbridge/browserd/internal/extchannel"
	"github.com/extbridge/browserd/internal/log"
	"github.com/extbridge/browserd/internal/paths"
	"github.com/extbridge/browserd/internal/protocol"
	"github.com/extbridge/browserd/internal/router"
	"github.com/extbridge/browserd/internal/session"
)

// Options configures the daemon as a whole.
type Options struct {
	Config   config.Config
	Headless bool
}

// Daemon owns every long-lived component and their lifecycle.
type Daemon struct {
	cfg config.Config

	registry   *session.Registry
	channel    *extchannel.Server
	supervisor *browser.Supervisor
	router     *router.Router
	client     *clientserver.Server
	socketPath string
}

// New builds every component and wires their callbacks, but does not bind
// any sockets yet.
func New(opts Options) *Daemon {
	cfg := opts.Config.Normalize()

	registry := session.NewRegistry()
	supervisor := browser.NewSupervisor(opts.Headless)

	d := &Daemon{
		cfg:        cfg,
		registry:   registry,
		supervisor: supervisor,
	}

	d.channel = extchannel.New(registry, extchannel.Handlers{
		OnExtensionConnected:    d.onExtensionConnected,
		OnExtensionResponse:     d.onExtensionResponse,
		OnExtensionDisconnected: d.onExtensionDisconnected,
	}, extchannel.Options{
		Port:              cfg.WSPort,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	})

	d.router = router.New(registry, d.channel, cfg)
	d.router.SetSupervisor(supervisor)

	return d
}

func (d *Daemon) onExtensionConnected(sessionID string) {
	d.router.HandleExtensionConnected(sessionID)
}

func (d *Daemon) onExtensionResponse(sessionID string, resp protocol.RawResponse) {
	d.router.HandleExtensionResponse(sessionID, resp)
}

func (d *Daemon) onExtensionDisconnected(sessionID string) {
	d.router.HandleExtensionDisconnected(sessionID)
}

// Start binds sockets in deterministic order: the extension channel first,
// the local client socket last, so external callers only ever reach a
// fully initialized daemon.
func (d *Daemon) Start() error {
	if err := d.channel.Start(); err != nil {
		return fmt.Errorf("start extension channel server: %w", err)
	}
	log.Info("extension channel listening", "port", d.channel.Port())

	socketPath := d.cfg.LocalSocketPath
	if socketPath == "" {
		resolved, err := paths.GetSocketPath()
		if err != nil {
			return fmt.Errorf("resolve local socket path: %w", err)
		}
		socketPath = resolved
	}

	if dir, err := paths.GetDaemonDir(); err == nil {
		_ = os.MkdirAll(dir, 0755)
	}

	d.socketPath = socketPath

	d.client = clientserver.New(clientserver.Options{
		SocketPath: socketPath,
		Endpoint:   clientserver.Endpoint{IP: "127.0.0.1", Port: d.channel.Port()},
		Router:     d.router,
		Registry:   d.registry,
	})

	if err := d.client.Start(); err != nil {
		d.channel.Stop()
		return fmt.Errorf("start local client server: %w", err)
	}
	log.Info("local client socket listening", "path", socketPath)

	return nil
}

// Stop runs the shutdown sequence: cancel every in-flight and queued
// command first, so every caller still blocked in SubmitCommand wakes with a
// cancellation error instead of waiting out its own command timeout, then
// close every extension channel, and finally revoke the client socket and
// wait for in-flight handlers to drain.
func (d *Daemon) Stop() {
	log.Info("daemon stopping")

	d.router.CancelAll()
	d.channel.Stop()
	if d.client != nil {
		d.client.Stop()
	}
	d.registry.CloseAll()

	log.Info("daemon stopped")
}

// Port returns the extension channel's listening port, valid after Start.
func (d *Daemon) Port() int { return d.channel.Port() }

// SocketPath returns the resolved local client socket path, valid after Start.
func (d *Daemon) SocketPath() string { return d.socketPath }
