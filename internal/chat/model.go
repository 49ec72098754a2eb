package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Conversation struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"conversation_type"` // 'direct', 'group' or 'channel'
	CreatedBy uuid.UUID `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a persisted chat message. Over the websocket the id is supplied
// by the client and doubles as the idempotency key; over REST it is minted
// server side.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	SenderID       uuid.UUID       `json:"sender_id"`
	Content        string          `json:"content"`
	Type           string          `json:"message_type"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Edited         bool            `json:"edited"`
	DeletedAt      *time.Time      `json:"-"`
	ReplyTo        *uuid.UUID      `json:"reply_to"`
	Metadata       json.RawMessage `json:"message_metadata,omitempty"`
}

// ReadReceipt records the first time a user read a message. At most one row
// exists per (message, user) pair.
type ReadReceipt struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

type Reaction struct {
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}
