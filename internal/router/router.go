// Package router is the per-session command router: it validates commands,
// enforces at-most-one in-flight command per session with FIFO queuing,
// auto-launches browsers on a cache miss, translates between the
// client-facing and extension-facing command shapes, and arms the
// timeout/disconnect/shutdown paths that eventually complete every
// submitted command exactly once.
package router

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/extbridge/browserd/internal/browser"
	"github.com/extbridge/browserd/internal/config"
	"github.com/extbridge/browserd/internal/log"
	"github.com/extbridge/browserd/internal/protocol"
	"github.com/extbridge/browserd/internal/session"
	"github.com/extbridge/browserd/internal/xerrors"
)

// ChannelSender is the slice of extchannel.Server the router depends on.
type ChannelSender interface {
	SendCommand(sessionID string, cmd protocol.OutboundCommand) bool
}

// Supervisor is the slice of browser.Supervisor the router depends on.
type Supervisor interface {
	HasBrowser(sessionID string) bool
	LaunchBrowser(opts browser.LaunchOptions) error
	KillBrowser(sessionID string)
}

// pendingEntry is the router's in-flight bookkeeping for one command.
type pendingEntry struct {
	cmd      protocol.Command
	resultCh chan protocol.CommandResult
	timer    *time.Timer
}

// sessionState is the router's per-session bookkeeping: at most one pending
// entry, a FIFO queue behind it, and any waiters parked on this session's
// extension connecting.
type sessionState struct {
	pending *pendingEntry
	queue   []*pendingEntry
	waiters []chan struct{}
}

// Router enforces the command submission/completion contract.
type Router struct {
	registry   *session.Registry
	channel    ChannelSender
	supervisor Supervisor
	cfg        config.Config

	mu       sync.Mutex
	sessions map[string]*sessionState
	shutdown bool
}

// New creates a Router. supervisor may be set later via SetSupervisor, since
// the browser supervisor is constructed after the router in the natural
// wiring order.
func New(registry *session.Registry, channel ChannelSender, cfg config.Config) *Router {
	return &Router{
		registry: registry,
		channel:  channel,
		cfg:      cfg,
		sessions: make(map[string]*sessionState),
	}
}

// SetSupervisor late-binds the browser supervisor.
func (r *Router) SetSupervisor(s Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supervisor = s
}

func (r *Router) state(sessionID string) *sessionState {
	st, ok := r.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		r.sessions[sessionID] = st
	}
	return st
}

// SubmitCommand validates cmd, resolves its session, ensures an extension
// channel exists for it, and blocks until the command reaches its terminal
// outcome.
func (r *Router) SubmitCommand(ctx context.Context, cmd protocol.Command) protocol.CommandResult {
	if err := validate(cmd); err != nil {
		return errorResult(cmd.ID, err)
	}

	sess, err := r.registry.Get(cmd.SessionID)
	if err != nil {
		return errorResult(cmd.ID, xerrors.ErrSessionNotFound)
	}

	if sess.State != session.StateConnected {
		if err := r.ensureChannel(ctx, sess); err != nil {
			return errorResult(cmd.ID, err)
		}
	}

	resultCh := make(chan protocol.CommandResult, 1)
	entry := &pendingEntry{cmd: cmd, resultCh: resultCh}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return errorResult(cmd.ID, xerrors.ErrShuttingDown)
	}

	st := r.state(cmd.SessionID)
	if st.pending != nil {
		st.queue = append(st.queue, entry)
		r.mu.Unlock()
	} else {
		r.dispatch(st, entry)
		r.mu.Unlock()
	}

	select {
	case result := <-resultCh:
		return result
	case <-ctx.Done():
		return protocol.CommandResult{ID: cmd.ID, Success: false, Error: ctx.Err().Error()}
	}
}

// ensureChannel causes an extension channel to exist for sess, launching a
// browser if one isn't already known to be launching/running, then waiting
// for the extension-connected notification.
func (r *Router) ensureChannel(ctx context.Context, sess session.Session) error {
	r.mu.Lock()
	if r.supervisor == nil {
		r.mu.Unlock()
		return xerrors.ErrLaunchFailed
	}

	st := r.state(sess.ID)
	wait := make(chan struct{})
	st.waiters = append(st.waiters, wait)

	needsLaunch := !r.supervisor.HasBrowser(sess.ID)
	r.mu.Unlock()

	if needsLaunch {
		_ = r.registry.SetState(sess.ID, session.StateAwaitingExtension)
		if err := r.supervisor.LaunchBrowser(browser.LaunchOptions{SessionID: sess.ID}); err != nil {
			r.removeWaiter(sess.ID, wait)
			_ = r.registry.SetState(sess.ID, session.StateDisconnected)
			return xerrors.ErrLaunchFailed
		}
	}

	timer := time.NewTimer(r.cfg.BrowserLaunchTimeout)
	defer timer.Stop()

	select {
	case <-wait:
		return nil
	case <-timer.C:
		r.removeWaiter(sess.ID, wait)
		r.supervisor.KillBrowser(sess.ID)
		_ = r.registry.SetState(sess.ID, session.StateDisconnected)
		return xerrors.ErrBrowserLaunchTimeout
	case <-ctx.Done():
		r.removeWaiter(sess.ID, wait)
		return xerrors.Wrap(xerrors.KindTimeout, ctx.Err().Error(), ctx.Err())
	}
}

func (r *Router) removeWaiter(sessionID string, wait chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	for i, w := range st.waiters {
		if w == wait {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

// HandleExtensionConnected wakes every waiter parked on sessionID; all fire
// on the single connect event.
func (r *Router) HandleExtensionConnected(sessionID string) {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	waiters := st.waiters
	st.waiters = nil
	r.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// dispatch executes entry immediately: translate, send, and either install
// it as the session's pending entry or fail it. Callers must hold r.mu.
func (r *Router) dispatch(st *sessionState, entry *pendingEntry) {
	outbound := translate(entry.cmd)

	if !r.channel.SendCommand(entry.cmd.SessionID, outbound) {
		entry.resultCh <- errorResult(entry.cmd.ID, xerrors.ErrSendFailed)
		return
	}

	st.pending = entry
	entry.timer = time.AfterFunc(r.cfg.CommandTimeout, func() {
		r.handleTimeout(entry.cmd.SessionID, entry.cmd.ID)
	})
}

// handleTimeout fires when a command's timer elapses before a response
// arrives.
func (r *Router) handleTimeout(sessionID, commandID string) {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	if !ok || st.pending == nil || st.pending.cmd.ID != commandID {
		r.mu.Unlock()
		return
	}
	entry := st.pending
	st.pending = nil
	next := r.popQueue(st)
	r.mu.Unlock()

	entry.resultCh <- errorResult(entry.cmd.ID, xerrors.ErrCommandTimeout)

	if next != nil {
		r.runNext(sessionID, next)
	}
}

// HandleExtensionResponse completes the pending command matching resp.ID and
// advances the session's queue.
func (r *Router) HandleExtensionResponse(sessionID string, resp protocol.RawResponse) {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	if !ok || st.pending == nil || st.pending.cmd.ID != resp.ID {
		r.mu.Unlock()
		log.Debug("response for unknown or completed command dropped", "session", sessionID, "id", resp.ID)
		return
	}

	entry := st.pending
	entry.timer.Stop()
	st.pending = nil
	next := r.popQueue(st)
	r.mu.Unlock()

	entry.resultCh <- protocol.CommandResult{ID: resp.ID, Success: resp.Success, Data: resp.Data, Error: resp.Error}

	if next != nil {
		r.runNext(sessionID, next)
	}
}

// popQueue removes and returns the head of st's FIFO queue, or nil. Callers
// must hold r.mu.
func (r *Router) popQueue(st *sessionState) *pendingEntry {
	if len(st.queue) == 0 {
		return nil
	}
	next := st.queue[0]
	st.queue = st.queue[1:]
	return next
}

func (r *Router) runNext(sessionID string, entry *pendingEntry) {
	r.mu.Lock()
	st := r.state(sessionID)
	r.dispatch(st, entry)
	r.mu.Unlock()
}

// HandleExtensionDisconnected fails every pending and queued command for
// sessionID. The queue starts empty on the next connection: nothing is
// buffered across reconnects.
func (r *Router) HandleExtensionDisconnected(sessionID string) {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entries := st.queue
	if st.pending != nil {
		st.pending.timer.Stop()
		entries = append([]*pendingEntry{st.pending}, entries...)
	}
	st.pending = nil
	st.queue = nil
	r.mu.Unlock()

	for _, entry := range entries {
		entry.resultCh <- errorResult(entry.cmd.ID, xerrors.ErrExtensionDisconnected)
	}
}

// CancelAll completes every pending and queued command with a shutdown
// error and stops accepting new submissions.
func (r *Router) CancelAll() {
	r.mu.Lock()
	r.shutdown = true
	all := make([]*pendingEntry, 0)
	for _, st := range r.sessions {
		if st.pending != nil {
			st.pending.timer.Stop()
			all = append(all, st.pending)
			st.pending = nil
		}
		all = append(all, st.queue...)
		st.queue = nil
	}
	r.mu.Unlock()

	for _, entry := range all {
		entry.resultCh <- errorResult(entry.cmd.ID, xerrors.ErrShuttingDown)
	}
}

func validate(cmd protocol.Command) error {
	if cmd.ID == "" || cmd.SessionID == "" {
		return xerrors.ErrValidation
	}
	if !protocol.IsKnownCommandType(cmd.Type) {
		return xerrors.ErrValidation
	}
	if len(cmd.Params) > 0 {
		trimmed := strings.TrimSpace(string(cmd.Params))
		if !strings.HasPrefix(trimmed, "{") || !json.Valid(cmd.Params) {
			return xerrors.ErrValidation
		}
	}
	return nil
}

// translate converts a client-facing command into its extension-facing
// shape: navigate becomes open, the tab_* family collapses to tab+action,
// everything else passes through unchanged.
func translate(cmd protocol.Command) protocol.OutboundCommand {
	switch cmd.Type {
	case protocol.CmdNavigate:
		return protocol.OutboundCommand{ID: cmd.ID, Type: string(protocol.CmdOpen), Params: cmd.Params}
	case protocol.CmdTabNew, protocol.CmdTabClose, protocol.CmdTabSwitch, protocol.CmdTabList:
		action := strings.TrimPrefix(string(cmd.Type), "tab_")
		return protocol.OutboundCommand{ID: cmd.ID, Type: string(protocol.CmdTab), Params: withAction(cmd.Params, action)}
	default:
		return protocol.OutboundCommand{ID: cmd.ID, Type: string(cmd.Type), Params: cmd.Params}
	}
}

// withAction merges an "action" field into params, producing the object the
// extension expects for the collapsed tab command.
func withAction(params json.RawMessage, action string) json.RawMessage {
	m := map[string]interface{}{}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &m)
	}
	m["action"] = action
	out, err := json.Marshal(m)
	if err != nil {
		return params
	}
	return out
}

func errorResult(id string, err error) protocol.CommandResult {
	return protocol.CommandResult{ID: id, Success: false, Error: err.Error()}
}
