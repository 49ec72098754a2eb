package chat

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    any
		wantErr string
	}{
		{
			name: "send_message with all fields",
			raw: `{"type":"send_message","message_id":"m1","content":"hi",
				"message_type":"image","reply_to":"r1","message_metadata":{"k":"v"}}`,
			want: &sendMessageFrame{
				MessageID:   "m1",
				Content:     "hi",
				MessageType: "image",
				ReplyTo:     "r1",
				Metadata:    json.RawMessage(`{"k":"v"}`),
			},
		},
		{
			name: "typing without flag",
			raw:  `{"type":"typing"}`,
			want: &typingFrame{},
		},
		{
			name: "read_receipt",
			raw:  `{"type":"read_receipt","message_id":"m1"}`,
			want: &readReceiptFrame{MessageID: "m1"},
		},
		{
			name:    "unknown tag",
			raw:     `{"type":"presence"}`,
			wantErr: `unknown frame type "presence"`,
		},
		{
			name:    "missing type",
			raw:     `{"message_id":"m1"}`,
			wantErr: "frame missing type",
		},
		{
			name:    "not json",
			raw:     `]`,
			wantErr: "malformed frame",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeFrame([]byte(tt.raw))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTypingFrameExplicitFalse(t *testing.T) {
	got, err := decodeFrame([]byte(`{"type":"typing","is_typing":false}`))
	require.NoError(t, err)
	f := got.(*typingFrame)
	require.NotNil(t, f.IsTyping)
	assert.False(t, *f.IsTyping)
}

func TestNewMessageFrameShape(t *testing.T) {
	msg := &Message{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		SenderID:       uuid.New(),
		Content:        "hi",
		Type:           "text",
	}

	raw, err := json.Marshal(newMessage(msg))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "new_message", decoded["type"])

	payload := decoded["message"].(map[string]any)
	assert.Equal(t, msg.ID.String(), payload["id"])
	assert.Equal(t, "hi", payload["content"])
	// reply_to is explicit null, reactions an empty array, never absent.
	assert.Contains(t, payload, "reply_to")
	assert.Nil(t, payload["reply_to"])
	assert.Equal(t, []any{}, payload["reactions"])
}

func TestErrorAckOmitsSuccessFields(t *testing.T) {
	raw, err := json.Marshal(errorAck("m1", "content required"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "message_ack", decoded["type"])
	assert.Equal(t, "error", decoded["status"])
	assert.NotContains(t, decoded, "server_message_id")
	assert.NotContains(t, decoded, "duplicated")
	assert.NotContains(t, decoded, "timestamp")
}
