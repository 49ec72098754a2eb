package chat

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chatwire/internal/metrics"
)

// handleSendMessage runs the idempotent message ingestion protocol.
//
// The client mints the message id; it is the primary key of the persisted
// row, which is what makes retries safe. A resubmission of a known id is
// acknowledged with duplicated=true and re-broadcast to everyone except the
// sender's own devices, so at-least-once delivery holds even when the first
// fan-out was lost. Receivers de-duplicate by message id.
func (h *Handler) handleSendMessage(ctx context.Context, store Store, s session, f *sendMessageFrame) {
	if f.MessageID == "" {
		h.registry.SendTo(s, messageError{Type: frameMessageError, Error: "message_id required"})
		metrics.MessagesIngested.WithLabelValues("rejected").Inc()
		return
	}

	if f.Content == "" {
		h.registry.SendTo(s, errorAck(f.MessageID, "content required"))
		metrics.MessagesIngested.WithLabelValues("rejected").Inc()
		return
	}

	id, err := uuid.Parse(f.MessageID)
	if err != nil {
		h.registry.SendTo(s, errorAck(f.MessageID, err.Error()))
		metrics.MessagesIngested.WithLabelValues("rejected").Inc()
		return
	}

	existing, err := store.FindMessageByID(ctx, id)
	if err != nil {
		h.registry.SendTo(s, errorAck(f.MessageID, err.Error()))
		metrics.MessagesIngested.WithLabelValues("failed").Inc()
		return
	}

	if existing != nil {
		// Retry of an earlier submission. Ack it as a duplicate and
		// re-broadcast the stored message so the other participants converge
		// even if the original fan-out never reached them.
		h.registry.SendTo(s, messageAck{
			Type:            frameMessageAck,
			MessageID:       f.MessageID,
			Status:          statusSuccess,
			ServerMessageID: existing.ID.String(),
			Duplicated:      true,
		})
		h.registry.Broadcast(newMessage(existing), s.ConversationID(), nil, s.UserID())
		metrics.MessagesIngested.WithLabelValues("duplicated").Inc()
		return
	}

	// An unparseable reply_to is treated as absent, not surfaced.
	var replyTo *uuid.UUID
	if f.ReplyTo != "" {
		if rid, err := uuid.Parse(f.ReplyTo); err == nil {
			replyTo = &rid
		}
	}

	messageType := f.MessageType
	if messageType == "" {
		messageType = "text"
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:             id,
		ConversationID: s.ConversationID(),
		SenderID:       s.UserID(),
		Content:        f.Content,
		Type:           messageType,
		CreatedAt:      now,
		UpdatedAt:      now,
		ReplyTo:        replyTo,
		Metadata:       f.Metadata,
	}

	if err := store.InsertMessage(ctx, msg); err != nil {
		h.registry.SendTo(s, errorAck(f.MessageID, err.Error()))
		metrics.MessagesIngested.WithLabelValues("failed").Inc()
		return
	}
	if err := store.TouchConversation(ctx, s.ConversationID(), now); err != nil {
		h.registry.SendTo(s, errorAck(f.MessageID, err.Error()))
		metrics.MessagesIngested.WithLabelValues("failed").Inc()
		return
	}

	// Ack before fan-out: the sender's confirmation must not wait on the
	// size or latency of the room.
	h.registry.SendTo(s, messageAck{
		Type:            frameMessageAck,
		MessageID:       f.MessageID,
		Status:          statusSuccess,
		ServerMessageID: msg.ID.String(),
		Timestamp:       &msg.CreatedAt,
	})

	// Every device of the sender is excluded; their other devices converge
	// through REST history instead.
	h.registry.Broadcast(newMessage(msg), s.ConversationID(), nil, s.UserID())
	metrics.MessagesIngested.WithLabelValues("accepted").Inc()
}

// handleTyping relays a typing notification. Only the originating socket is
// excluded: the same user's other devices do receive the echo.
func (h *Handler) handleTyping(s session, f *typingFrame) {
	isTyping := true
	if f.IsTyping != nil {
		isTyping = *f.IsTyping
	}

	h.registry.Broadcast(typingEvent{
		Type:           frameTyping,
		UserID:         s.UserID(),
		ConversationID: s.ConversationID(),
		IsTyping:       isTyping,
	}, s.ConversationID(), s, uuid.Nil)
}

// handleReadReceipt records the first read of a message by this user and
// relays a read event. The relayed read_at is the current time, also when
// the receipt already existed.
func (h *Handler) handleReadReceipt(ctx context.Context, store Store, s session, f *readReceiptFrame) {
	id, err := uuid.Parse(f.MessageID)
	if err != nil {
		h.registry.SendTo(s, messageError{Type: frameMessageError, Error: err.Error()})
		return
	}

	_, created, err := store.FindOrCreateReadReceipt(ctx, id, s.UserID())
	if err != nil {
		h.registry.SendTo(s, messageError{Type: frameMessageError, Error: err.Error()})
		return
	}
	if created {
		metrics.ReadReceiptsCreated.Inc()
	}

	h.registry.Broadcast(readEvent{
		Type:      frameRead,
		MessageID: id,
		ReaderID:  s.UserID(),
		ReadAt:    time.Now().UTC(),
	}, s.ConversationID(), s, uuid.Nil)
}
