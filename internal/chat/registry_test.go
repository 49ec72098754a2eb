package chat

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeSession is an in-memory session for registry and protocol tests.
type fakeSession struct {
	user uuid.UUID
	conv uuid.UUID

	mu       sync.Mutex
	frames   []any
	failSend bool
	closed   bool
}

func newFakeSession(conv, user uuid.UUID) *fakeSession {
	return &fakeSession{user: user, conv: conv}
}

func (f *fakeSession) UserID() uuid.UUID         { return f.user }
func (f *fakeSession) ConversationID() uuid.UUID { return f.conv }

func (f *fakeSession) Send(frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("peer gone")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) received() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeSession) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// contains reports whether the registry tracks s in both indices, or neither.
func (r *Registry) contains(s session) (inRoom, inUsers bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, inRoom = r.rooms[s.ConversationID()][s]
	_, inUsers = r.users[s.UserID()][s]
	return inRoom, inUsers
}

func TestRegisterBroadcastsPresenceToOthers(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	conv := uuid.New()
	userA, userB := uuid.New(), uuid.New()

	a := newFakeSession(conv, userA)
	registry.Register(a)
	a.reset()

	b := newFakeSession(conv, userB)
	registry.Register(b)

	frames := a.received()
	require.Len(t, frames, 1)
	presence, ok := frames[0].(presenceEvent)
	require.True(t, ok)
	require.Equal(t, framePresence, presence.Type)
	require.Equal(t, userB, presence.UserID)
	require.Equal(t, conv, presence.ConversationID)
	require.True(t, presence.IsOnline)

	// The registering session never sees its own announcement.
	require.Empty(t, b.received())
}

func TestRegistryInvariant(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	conv := uuid.New()
	s := newFakeSession(conv, uuid.New())

	registry.Register(s)
	inRoom, inUsers := registry.contains(s)
	require.True(t, inRoom)
	require.True(t, inUsers)

	registry.Unregister(s)
	inRoom, inUsers = registry.contains(s)
	require.False(t, inRoom)
	require.False(t, inUsers)

	// Unregistering an already-removed session is a no-op, never an error.
	registry.Unregister(s)
}

func TestUnregisterEmitsNoOfflinePresence(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	conv := uuid.New()

	a := newFakeSession(conv, uuid.New())
	b := newFakeSession(conv, uuid.New())
	registry.Register(a)
	registry.Register(b)
	a.reset()

	registry.Unregister(b)
	require.Empty(t, a.received())
}

func TestBroadcastExcludesAllDevicesOfUser(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	conv := uuid.New()
	userA, userB := uuid.New(), uuid.New()

	a1 := newFakeSession(conv, userA)
	a2 := newFakeSession(conv, userA)
	b1 := newFakeSession(conv, userB)
	for _, s := range []*fakeSession{a1, a2, b1} {
		registry.Register(s)
	}
	a1.reset()
	a2.reset()
	b1.reset()

	registry.Broadcast(typingEvent{Type: frameTyping}, conv, nil, userA)

	require.Empty(t, a1.received())
	require.Empty(t, a2.received())
	require.Len(t, b1.received(), 1)
}

func TestBroadcastExcludesOnlyGivenConnection(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	conv := uuid.New()
	userA, userB := uuid.New(), uuid.New()

	a1 := newFakeSession(conv, userA)
	a2 := newFakeSession(conv, userA)
	b1 := newFakeSession(conv, userB)
	for _, s := range []*fakeSession{a1, a2, b1} {
		registry.Register(s)
	}
	a1.reset()
	a2.reset()
	b1.reset()

	registry.Broadcast(typingEvent{Type: frameTyping}, conv, a1, uuid.Nil)

	require.Empty(t, a1.received())
	// The same user's other device does receive it.
	require.Len(t, a2.received(), 1)
	require.Len(t, b1.received(), 1)
}

func TestBroadcastPartialFailureIsolation(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	conv := uuid.New()

	healthy1 := newFakeSession(conv, uuid.New())
	healthy2 := newFakeSession(conv, uuid.New())
	dead := newFakeSession(conv, uuid.New())
	dead.failSend = true
	for _, s := range []*fakeSession{healthy1, healthy2, dead} {
		registry.Register(s)
	}
	healthy1.reset()
	healthy2.reset()

	registry.Broadcast(typingEvent{Type: frameTyping}, conv, nil, uuid.Nil)

	// The dead peer never blocks delivery to the others.
	require.Len(t, healthy1.received(), 1)
	require.Len(t, healthy2.received(), 1)

	// And it is evicted afterwards.
	inRoom, inUsers := registry.contains(dead)
	require.False(t, inRoom)
	require.False(t, inUsers)
	require.True(t, dead.isClosed())

	inRoom, inUsers = registry.contains(healthy1)
	require.True(t, inRoom)
	require.True(t, inUsers)
}

func TestSendToSwallowsFailure(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	conv := uuid.New()
	dead := newFakeSession(conv, uuid.New())
	dead.failSend = true
	registry.Register(dead)

	// Best-effort: the failure is logged, the session is not evicted.
	registry.SendTo(dead, typingEvent{Type: frameTyping})

	inRoom, inUsers := registry.contains(dead)
	require.True(t, inRoom)
	require.True(t, inUsers)
}
