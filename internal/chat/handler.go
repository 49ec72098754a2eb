package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin is enforced upstream; the token is the credential here.
	},
}

// TokenVerifier is what the connection gate needs from the auth layer.
type TokenVerifier interface {
	VerifyCredential(token string) (uuid.UUID, error)
}

// Handler drives websocket sessions through their lifecycle and dispatches
// their frames.
type Handler struct {
	registry *Registry
	stores   StoreSource
	verifier TokenVerifier
	logger   zerolog.Logger
}

func NewHandler(registry *Registry, stores StoreSource, verifier TokenVerifier, logger zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		stores:   stores,
		verifier: verifier,
		logger:   logger.With().Str("component", "ws").Logger(),
	}
}

// reject closes an upgraded socket with a policy-violation code and a reason
// string distinguishing why the connection never became active.
func (h *Handler) reject(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// ServeWs is the realtime endpoint: GET /ws/conversations/{conversationID}?token=...
//
// The socket walks connecting -> authenticated -> authorized -> active ->
// closed. The bearer token is checked before the upgrade; membership checks
// run after it, each failure closing the socket with its own reason. Only an
// authorized socket registers and handles frames.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	// The token travels as a query parameter: browsers cannot set headers on
	// websocket dials. Validate it before accepting the upgrade.
	var (
		userID     uuid.UUID
		authReason string
	)
	token := r.URL.Query().Get("token")
	switch {
	case token == "":
		authReason = "No token provided"
	default:
		if userID, err = h.verifier.VerifyCredential(token); err != nil {
			h.logger.Warn().Err(err).Stringer("conversation_id", conversationID).Msg("credential rejected")
			authReason = "Unauthorized: " + err.Error()
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("upgrade failed")
		return
	}

	// The close code and reason can only be delivered on an upgraded socket,
	// so a failed auth check still upgrades, then immediately closes.
	if authReason != "" {
		h.reject(conn, authReason)
		return
	}

	ctx := r.Context()

	// One persistence session per socket, reused by every frame handled on
	// this connection and released on every exit path.
	store, release, err := h.stores.Session(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("could not acquire store session")
		h.reject(conn, "Internal error")
		return
	}
	defer release()

	conv, err := store.FindConversation(ctx, conversationID)
	if err != nil {
		h.logger.Error().Err(err).Stringer("conversation_id", conversationID).Msg("conversation lookup failed")
		h.reject(conn, "Internal error")
		return
	}
	if conv == nil {
		h.reject(conn, "Conversation not found")
		return
	}

	isParticipant, err := store.FindParticipant(ctx, conversationID, userID)
	if err != nil {
		h.logger.Error().Err(err).Stringer("conversation_id", conversationID).Msg("participant lookup failed")
		h.reject(conn, "Internal error")
		return
	}
	if !isParticipant {
		h.reject(conn, "Not a participant")
		return
	}

	c := newClient(conn, conversationID, userID)
	c.setState(stateAuthorized)

	h.registry.Register(c)
	c.setState(stateActive)
	defer h.registry.Unregister(c)

	go c.writePump()

	err = c.readLoop(func(raw []byte) {
		h.dispatch(ctx, store, c, raw)
	})
	if err != nil {
		h.logger.Warn().
			Err(err).
			Stringer("user_id", userID).
			Stringer("conversation_id", conversationID).
			Msg("connection dropped")
	}
}

// dispatch routes one inbound frame to its handler. Decode failures and
// unknown tags are protocol failures: reported back on the socket, the
// connection stays open.
func (h *Handler) dispatch(ctx context.Context, store Store, s session, raw []byte) {
	frame, err := decodeFrame(raw)
	if err != nil {
		h.registry.SendTo(s, messageError{Type: frameMessageError, Error: err.Error()})
		return
	}

	switch f := frame.(type) {
	case *sendMessageFrame:
		h.handleSendMessage(ctx, store, s, f)
	case *typingFrame:
		h.handleTyping(s, f)
	case *readReceiptFrame:
		h.handleReadReceipt(ctx, store, s, f)
	}
}
