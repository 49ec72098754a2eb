package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Client -> server frame types.
const (
	frameSendMessage = "send_message"
	frameTyping      = "typing"
	frameReadReceipt = "read_receipt"
)

// Server -> client frame types.
const (
	frameMessageAck   = "message_ack"
	frameMessageError = "message_error"
	frameNewMessage   = "new_message"
	frameRead         = "read"
	framePresence     = "presence"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

type envelope struct {
	Type string `json:"type"`
}

type sendMessageFrame struct {
	MessageID   string          `json:"message_id"`
	Content     string          `json:"content"`
	MessageType string          `json:"message_type"`
	ReplyTo     string          `json:"reply_to"`
	Metadata    json.RawMessage `json:"message_metadata"`
}

type typingFrame struct {
	IsTyping *bool `json:"is_typing"`
}

type readReceiptFrame struct {
	MessageID string `json:"message_id"`
}

var errMissingFrameType = errors.New("frame missing type")

// decodeFrame turns a raw websocket payload into one of the closed set of
// inbound frames. Unknown tags are an error, not silently dropped.
func decodeFrame(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Type {
	case frameSendMessage:
		f := &sendMessageFrame{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
		}
		return f, nil
	case frameTyping:
		f := &typingFrame{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
		}
		return f, nil
	case frameReadReceipt:
		f := &readReceiptFrame{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
		}
		return f, nil
	case "":
		return nil, errMissingFrameType
	default:
		return nil, fmt.Errorf("unknown frame type %q", env.Type)
	}
}

type messageAck struct {
	Type            string     `json:"type"`
	MessageID       string     `json:"message_id"`
	Status          string     `json:"status"`
	ServerMessageID string     `json:"server_message_id,omitempty"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
	Duplicated      bool       `json:"duplicated,omitempty"`
	Error           string     `json:"error,omitempty"`
}

func errorAck(messageID, errText string) messageAck {
	return messageAck{
		Type:      frameMessageAck,
		MessageID: messageID,
		Status:    statusError,
		Error:     errText,
	}
}

type messageError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type messagePayload struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	SenderID       uuid.UUID       `json:"sender_id"`
	Content        string          `json:"content"`
	MessageType    string          `json:"message_type"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Edited         bool            `json:"edited"`
	ReplyTo        *uuid.UUID      `json:"reply_to"`
	Metadata       json.RawMessage `json:"message_metadata"`
	Reactions      []Reaction      `json:"reactions"`
	ReadBy         []uuid.UUID     `json:"read_by,omitempty"`
}

type newMessageFrame struct {
	Type           string         `json:"type"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Message        messagePayload `json:"message"`
}

func newMessage(m *Message) newMessageFrame {
	return newMessageFrame{
		Type:           frameNewMessage,
		ConversationID: m.ConversationID,
		Message:        payloadFor(m),
	}
}

func payloadFor(m *Message) messagePayload {
	return messagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		MessageType:    m.Type,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		Edited:         m.Edited,
		ReplyTo:        m.ReplyTo,
		Metadata:       m.Metadata,
		Reactions:      []Reaction{},
	}
}

type typingEvent struct {
	Type           string    `json:"type"`
	UserID         uuid.UUID `json:"user_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	IsTyping       bool      `json:"is_typing"`
}

type readEvent struct {
	Type      string    `json:"type"`
	MessageID uuid.UUID `json:"message_id"`
	ReaderID  uuid.UUID `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

type presenceEvent struct {
	Type           string    `json:"type"`
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	IsOnline       bool      `json:"is_online"`
}
