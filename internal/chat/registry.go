package chat

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatwire/internal/metrics"
)

// session is one live realtime connection, bound to a single user and a
// single conversation for its lifetime.
type session interface {
	UserID() uuid.UUID
	ConversationID() uuid.UUID
	// Send queues a frame for delivery. Failure is reported to the caller
	// instead of being swallowed, so the broadcast loop can decide what to
	// do with the peer.
	Send(frame any) error
	Close() error
}

// Registry indexes live sessions by conversation and by user. One instance is
// created at startup and injected into the websocket handler; it owns the
// presence broadcast.
//
// Invariant: a session is present in the conversation index iff it is present
// in the user index. Both indices change together under one lock.
type Registry struct {
	logger zerolog.Logger

	mu    sync.Mutex
	rooms map[uuid.UUID]map[session]struct{}
	users map[uuid.UUID]map[session]struct{}
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "registry").Logger(),
		rooms:  make(map[uuid.UUID]map[session]struct{}),
		users:  make(map[uuid.UUID]map[session]struct{}),
	}
}

// Register adds s to both indices and announces the user as online to the
// rest of the conversation, excluding s itself. Call it once per session.
func (r *Registry) Register(s session) {
	conv, user := s.ConversationID(), s.UserID()

	r.mu.Lock()
	if r.rooms[conv] == nil {
		r.rooms[conv] = make(map[session]struct{})
	}
	r.rooms[conv][s] = struct{}{}
	if r.users[user] == nil {
		r.users[user] = make(map[session]struct{})
	}
	r.users[user][s] = struct{}{}
	r.mu.Unlock()

	metrics.WSConnectionsActive.Inc()
	r.logger.Info().
		Stringer("user_id", user).
		Stringer("conversation_id", conv).
		Msg("session registered")

	r.Broadcast(presenceEvent{
		Type:           framePresence,
		ConversationID: conv,
		UserID:         user,
		IsOnline:       true,
	}, conv, s, uuid.Nil)
}

// Unregister removes s from both indices. Calling it for a session that was
// already removed is a no-op. No offline presence is announced on the way
// out; only connects are broadcast.
func (r *Registry) Unregister(s session) {
	conv, user := s.ConversationID(), s.UserID()

	r.mu.Lock()
	removed := false
	if set, ok := r.rooms[conv]; ok {
		if _, ok := set[s]; ok {
			delete(set, s)
			removed = true
			if len(set) == 0 {
				delete(r.rooms, conv)
			}
		}
	}
	if set, ok := r.users[user]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.users, user)
		}
	}
	r.mu.Unlock()

	if removed {
		metrics.WSConnectionsActive.Dec()
		r.logger.Info().
			Stringer("user_id", user).
			Stringer("conversation_id", conv).
			Msg("session unregistered")
	}
}

// SendTo delivers a frame to a single session, best effort. A failed send is
// logged and otherwise ignored.
func (r *Registry) SendTo(s session, frame any) {
	if err := s.Send(frame); err != nil {
		r.logger.Error().
			Err(err).
			Stringer("user_id", s.UserID()).
			Msg("personal send failed")
	}
}

// Broadcast delivers frame to every session in the conversation except the
// excluded session (if non-nil) and every session owned by excludeUser (if
// non-zero). It iterates a snapshot taken under the lock so a slow or dying
// peer never blocks the others and cleanup never mutates the set being
// walked. Peers whose delivery failed are unregistered after the pass.
func (r *Registry) Broadcast(frame any, conversationID uuid.UUID, exclude session, excludeUser uuid.UUID) {
	r.mu.Lock()
	targets := make([]session, 0, len(r.rooms[conversationID]))
	for s := range r.rooms[conversationID] {
		if s == exclude {
			continue
		}
		if excludeUser != uuid.Nil && s.UserID() == excludeUser {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.Unlock()

	var failed []session
	for _, s := range targets {
		if err := s.Send(frame); err != nil {
			r.logger.Error().
				Err(err).
				Stringer("user_id", s.UserID()).
				Stringer("conversation_id", conversationID).
				Msg("broadcast delivery failed")
			metrics.BroadcastFailures.Inc()
			failed = append(failed, s)
			continue
		}
		metrics.BroadcastDeliveries.Inc()
	}

	for _, s := range failed {
		r.Unregister(s)
		_ = s.Close()
	}
}
