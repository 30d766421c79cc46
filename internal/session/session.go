// Package session owns the daemon's sessions and their state machine.
// Sessions outlive any single extension channel and are addressed by their
// own opaque id.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is one of the finite session lifecycle states.
type State string

const (
	StatePending            State = "pending"
	StateAwaitingExtension  State = "awaiting_extension"
	StateConnected          State = "connected"
	StateDisconnected       State = "disconnected"
	StateClosed             State = "closed"
)

// ErrNotFound is returned by operations on a closed or unknown session id.
var ErrNotFound = fmt.Errorf("session not found")

// ErrAlreadyAttached is returned by AttachExtension when a channel is
// already attached and must be torn down by the caller first.
var ErrAlreadyAttached = fmt.Errorf("session already has an attached extension channel")

// Session is the fundamental unit of addressing.
type Session struct {
	ID          string
	Name        string
	CreatedAt   time.Time
	State       State
	ChannelID   string // opaque id of the attached extension channel, "" if none
}

func (s Session) snapshot() Session { return s }

// Options configures session creation.
type Options struct {
	// Name overrides the generated "window-<timestamp>" name.
	Name string
}

// Registry exclusively owns Session records.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create atomically creates and stores a fresh session in the pending state.
// Ids are never reused within the process lifetime (google/uuid guarantees
// this for all practical purposes).
func (r *Registry) Create(opts Options) *Session {
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("window-%d", time.Now().UnixNano())
	}

	s := &Session{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now(),
		State:     StatePending,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	return s
}

// Get returns a copy of the session with id, or ErrNotFound.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok || s.State == StateClosed {
		return Session{}, ErrNotFound
	}
	return s.snapshot(), nil
}

// ListByState returns sessions in state, oldest creation timestamp first.
func (r *Registry) ListByState(state State) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Session
	for _, s := range r.sessions {
		if s.State == state {
			out = append(out, s.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetState transitions session id to state.
func (r *Registry) SetState(id string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.State == StateClosed {
		return ErrNotFound
	}
	s.State = state
	return nil
}

// AttachExtension binds channelID to session id. Rejects the attach if a
// different channel is already attached — the caller (the channel server)
// is responsible for tearing the existing one down first.
func (r *Registry) AttachExtension(id, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.State == StateClosed {
		return ErrNotFound
	}
	if s.ChannelID != "" && s.ChannelID != channelID {
		return ErrAlreadyAttached
	}
	s.ChannelID = channelID
	s.State = StateConnected
	return nil
}

// DetachExtension clears the attached channel and moves the session to
// disconnected. Reattach remains possible.
func (r *Registry) DetachExtension(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.State == StateClosed {
		return ErrNotFound
	}
	s.ChannelID = ""
	if s.State != StateClosed {
		s.State = StateDisconnected
	}
	return nil
}

// Close terminates session id. Terminal; the session is no longer
// retrievable via Get, and ListByState returns it only for StateClosed.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.State == StateClosed {
		return ErrNotFound
	}
	s.State = StateClosed
	s.ChannelID = ""
	return nil
}

// CloseAll transitions every non-terminal session to closed.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		s.State = StateClosed
		s.ChannelID = ""
	}
}

// All returns a snapshot of every non-closed session, for diagnostics.
func (r *Registry) All() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.State != StateClosed {
			out = append(out, s.snapshot())
		}
	}
	return out
}
