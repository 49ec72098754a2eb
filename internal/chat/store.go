package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence surface the realtime core depends on. The pgx
// Repository implements it; tests use an in-memory fake.
type Store interface {
	FindConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)
	FindParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	FindMessageByID(ctx context.Context, id uuid.UUID) (*Message, error)
	InsertMessage(ctx context.Context, msg *Message) error
	TouchConversation(ctx context.Context, id uuid.UUID, now time.Time) error
	FindOrCreateReadReceipt(ctx context.Context, messageID, userID uuid.UUID) (*ReadReceipt, bool, error)
}

// StoreSource hands out a Store pinned to one database session for the
// lifetime of a socket. The release func must run on every exit path.
type StoreSource interface {
	Session(ctx context.Context) (Store, func(), error)
}
