package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateGet(t *testing.T) {
	r := NewRegistry()

	s := r.Create(Options{})
	require.NotEmpty(t, s.ID)
	assert.Equal(t, StatePending, s.State)

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_IdsNeverReused(t *testing.T) {
	r := NewRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := r.Create(Options{})
		assert.False(t, seen[s.ID])
		seen[s.ID] = true
	}
}

func TestRegistry_ListByStateOrdersByCreation(t *testing.T) {
	r := NewRegistry()
	a := r.Create(Options{})
	require.NoError(t, r.SetState(a.ID, StateAwaitingExtension))
	b := r.Create(Options{})
	require.NoError(t, r.SetState(b.ID, StateAwaitingExtension))

	list := r.ListByState(StateAwaitingExtension)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
}

func TestRegistry_AttachExtension(t *testing.T) {
	r := NewRegistry()
	s := r.Create(Options{})

	require.NoError(t, r.AttachExtension(s.ID, "chan-1"))
	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, got.State)
	assert.Equal(t, "chan-1", got.ChannelID)

	err = r.AttachExtension(s.ID, "chan-2")
	assert.ErrorIs(t, err, ErrAlreadyAttached)
}

func TestRegistry_DetachExtensionAllowsReattach(t *testing.T) {
	r := NewRegistry()
	s := r.Create(Options{})
	require.NoError(t, r.AttachExtension(s.ID, "chan-1"))

	require.NoError(t, r.DetachExtension(s.ID))
	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, got.State)
	assert.Empty(t, got.ChannelID)

	require.NoError(t, r.AttachExtension(s.ID, "chan-2"))
	got, err = r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, got.State)
}

func TestRegistry_CloseIsTerminal(t *testing.T) {
	r := NewRegistry()
	s := r.Create(Options{})
	require.NoError(t, r.Close(s.ID))

	_, err := r.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, r.SetState(s.ID, StateConnected), ErrNotFound)
	assert.ErrorIs(t, r.AttachExtension(s.ID, "x"), ErrNotFound)
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	a := r.Create(Options{})
	b := r.Create(Options{})

	r.CloseAll()

	_, errA := r.Get(a.ID)
	_, errB := r.Get(b.ID)
	assert.ErrorIs(t, errA, ErrNotFound)
	assert.ErrorIs(t, errB, ErrNotFound)
}
