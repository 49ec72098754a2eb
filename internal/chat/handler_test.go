package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	tokens map[string]uuid.UUID
}

func (f *fakeVerifier) VerifyCredential(token string) (uuid.UUID, error) {
	id, ok := f.tokens[token]
	if !ok {
		return uuid.Nil, errors.New("token is malformed")
	}
	return id, nil
}

type gateFixture struct {
	server   *httptest.Server
	registry *Registry
	store    *fakeStore
	verifier *fakeVerifier
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()

	fx := &gateFixture{
		store:    newFakeStore(),
		verifier: &fakeVerifier{tokens: make(map[string]uuid.UUID)},
		registry: NewRegistry(zerolog.Nop()),
	}

	handler := NewHandler(fx.registry, fx.store, fx.verifier, zerolog.Nop())
	r := chi.NewRouter()
	r.Get("/ws/conversations/{conversationID}", handler.ServeWs)

	fx.server = httptest.NewServer(r)
	t.Cleanup(fx.server.Close)
	return fx
}

func (fx *gateFixture) dial(t *testing.T, conversationID uuid.UUID, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") +
		"/ws/conversations/" + conversationID.String()
	if token != "" {
		url += "?token=" + token
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// expectClose reads until the server closes the socket and returns the close
// error.
func expectClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	return closeErr
}

// waitForSessions blocks until the conversation has n registered sessions.
func (fx *gateFixture) waitForSessions(t *testing.T, conversationID uuid.UUID, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fx.registry.mu.Lock()
		count := len(fx.registry.rooms[conversationID])
		fx.registry.mu.Unlock()
		if count == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("conversation never reached %d sessions", n)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func TestGateRejectsMissingToken(t *testing.T) {
	fx := newGateFixture(t)

	conn := fx.dial(t, uuid.New(), "")
	closeErr := expectClose(t, conn)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.Equal(t, "No token provided", closeErr.Text)
}

func TestGateRejectsInvalidToken(t *testing.T) {
	fx := newGateFixture(t)

	conn := fx.dial(t, uuid.New(), "garbage")
	closeErr := expectClose(t, conn)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.True(t, strings.HasPrefix(closeErr.Text, "Unauthorized:"), closeErr.Text)
}

func TestGateRejectsUnknownConversation(t *testing.T) {
	fx := newGateFixture(t)
	userID := uuid.New()
	fx.verifier.tokens["tok"] = userID

	conn := fx.dial(t, uuid.New(), "tok")
	closeErr := expectClose(t, conn)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.Equal(t, "Conversation not found", closeErr.Text)
}

func TestGateRejectsNonParticipant(t *testing.T) {
	fx := newGateFixture(t)
	conv := uuid.New()
	fx.store.addConversation(conv, uuid.New())

	outsider := uuid.New()
	fx.verifier.tokens["tok"] = outsider

	conn := fx.dial(t, conv, "tok")
	closeErr := expectClose(t, conn)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.Equal(t, "Not a participant", closeErr.Text)

	// Nothing ran past the gate.
	require.Zero(t, fx.store.messageCount())
}

// TestEndToEndConversation walks two sockets through presence, message
// fan-out and duplicate acknowledgment over the real transport.
func TestEndToEndConversation(t *testing.T) {
	fx := newGateFixture(t)
	conv := uuid.New()
	userA, userB := uuid.New(), uuid.New()
	fx.store.addConversation(conv, userA, userB)
	fx.verifier.tokens["tokA"] = userA
	fx.verifier.tokens["tokB"] = userB

	connA := fx.dial(t, conv, "tokA")
	fx.waitForSessions(t, conv, 1)

	connB := fx.dial(t, conv, "tokB")
	fx.waitForSessions(t, conv, 2)

	// A sees B come online.
	presence := readFrame(t, connA)
	require.Equal(t, "presence", presence["type"])
	require.Equal(t, userB.String(), presence["user_id"])
	require.Equal(t, true, presence["is_online"])

	// B sends a message with a client-minted id.
	m1 := uuid.NewString()
	require.NoError(t, connB.WriteJSON(map[string]any{
		"type":       "send_message",
		"message_id": m1,
		"content":    "hi",
	}))

	ack := readFrame(t, connB)
	require.Equal(t, "message_ack", ack["type"])
	require.Equal(t, "success", ack["status"])
	require.Equal(t, m1, ack["server_message_id"])

	delivered := readFrame(t, connA)
	require.Equal(t, "new_message", delivered["type"])
	message := delivered["message"].(map[string]any)
	require.Equal(t, m1, message["id"])
	require.Equal(t, "hi", message["content"])

	// Retry the identical frame: duplicated ack, A receives it again.
	require.NoError(t, connB.WriteJSON(map[string]any{
		"type":       "send_message",
		"message_id": m1,
		"content":    "hi",
	}))

	ack = readFrame(t, connB)
	require.Equal(t, "message_ack", ack["type"])
	require.Equal(t, true, ack["duplicated"])

	delivered = readFrame(t, connA)
	require.Equal(t, "new_message", delivered["type"])
	require.Equal(t, "hi", delivered["message"].(map[string]any)["content"])

	require.Equal(t, 1, fx.store.messageCount())

	// Disconnect B: A must not receive an offline presence event.
	connB.Close()
	fx.waitForSessions(t, conv, 1)

	connA.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := connA.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout(), fmt.Sprintf("expected read timeout, got %v", err))
}
