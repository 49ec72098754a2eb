package chat

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatwire/internal/middleware"
)

// API serves the REST CRUD side of the chat feature. Messages posted here are
// broadcast through the same registry as the realtime path.
type API struct {
	repo     *Repository
	registry *Registry
	logger   zerolog.Logger
}

func NewAPI(repo *Repository, registry *Registry, logger zerolog.Logger) *API {
	return &API{
		repo:     repo,
		registry: registry,
		logger:   logger.With().Str("component", "chat_api").Logger(),
	}
}

type createConversationRequest struct {
	Type           string      `json:"conversation_type"`
	ParticipantIDs []uuid.UUID `json:"participant_ids"`
}

type conversationResponse struct {
	ID           uuid.UUID   `json:"id"`
	Type         string      `json:"conversation_type"`
	CreatedBy    uuid.UUID   `json:"created_by"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Participants []uuid.UUID `json:"participants"`
}

type createMessageRequest struct {
	ConversationID uuid.UUID       `json:"conversation_id"`
	Content        string          `json:"content"`
	MessageType    string          `json:"message_type"`
	ReplyTo        *uuid.UUID      `json:"reply_to"`
	Metadata       json.RawMessage `json:"message_metadata"`
}

type messageListResponse struct {
	Messages   []messagePayload `json:"messages"`
	HasMore    bool             `json:"has_more"`
	NextCursor *time.Time       `json:"next_cursor"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// CreateConversation handles POST /conversations. The creator is always a
// participant, whether or not the request lists them.
func (a *API) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = "direct"
	}

	participants := []uuid.UUID{userID}
	seen := map[uuid.UUID]bool{userID: true}
	for _, id := range req.ParticipantIDs {
		if !seen[id] {
			seen[id] = true
			participants = append(participants, id)
		}
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.New(),
		Type:      req.Type,
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := a.repo.CreateConversation(r.Context(), conv, participants); err != nil {
		a.logger.Error().Err(err).Msg("create conversation failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, conversationResponse{
		ID:           conv.ID,
		Type:         conv.Type,
		CreatedBy:    conv.CreatedBy,
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
		Participants: participants,
	})
}

// ListConversations handles GET /conversations.
func (a *API) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversations, err := a.repo.ListConversations(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	result := make([]conversationResponse, 0, len(conversations))
	for _, conv := range conversations {
		participants, err := a.repo.ListParticipants(r.Context(), conv.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		result = append(result, conversationResponse{
			ID:           conv.ID,
			Type:         conv.Type,
			CreatedBy:    conv.CreatedBy,
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
			Participants: participants,
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// CreateMessage handles POST /messages: persist, touch the conversation,
// then fan out to everyone except the sender's devices.
func (a *API) CreateMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	isParticipant, err := a.repo.FindParticipant(r.Context(), req.ConversationID, userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !isParticipant {
		http.Error(w, "You are not a participant in this conversation", http.StatusForbidden)
		return
	}

	messageType := req.MessageType
	if messageType == "" {
		messageType = "text"
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:             uuid.New(),
		ConversationID: req.ConversationID,
		SenderID:       userID,
		Content:        req.Content,
		Type:           messageType,
		CreatedAt:      now,
		UpdatedAt:      now,
		ReplyTo:        req.ReplyTo,
		Metadata:       req.Metadata,
	}

	if err := a.repo.InsertMessage(r.Context(), msg); err != nil {
		a.logger.Error().Err(err).Msg("insert message failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := a.repo.TouchConversation(r.Context(), req.ConversationID, now); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a.registry.Broadcast(newMessage(msg), req.ConversationID, nil, userID)

	writeJSON(w, http.StatusCreated, payloadFor(msg))
}

// GetMessages handles GET /messages with cursor pagination:
// ?conversation_id=...&limit=50&before=RFC3339.
func (a *API) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID, err := uuid.Parse(r.URL.Query().Get("conversation_id"))
	if err != nil {
		http.Error(w, "invalid conversation_id", http.StatusBadRequest)
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if limit > 100 {
			limit = 100
		}
	}

	var before *time.Time
	if s := r.URL.Query().Get("before"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			http.Error(w, "invalid before cursor", http.StatusBadRequest)
			return
		}
		before = &t
	}

	isParticipant, err := a.repo.FindParticipant(r.Context(), conversationID, userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !isParticipant {
		http.Error(w, "You are not a participant in this conversation", http.StatusForbidden)
		return
	}

	// Fetch one extra row to learn whether an older page exists.
	messages, err := a.repo.ListMessages(r.Context(), conversationID, limit+1, before)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	messages, hasMore := trimPage(messages, limit)

	messageIDs := make([]uuid.UUID, len(messages))
	for i, msg := range messages {
		messageIDs[i] = msg.ID
	}

	reactions, err := a.repo.ListReactions(r.Context(), messageIDs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	readers, err := a.repo.ListReaders(r.Context(), messageIDs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	payloads := make([]messagePayload, len(messages))
	var nextCursor *time.Time
	for i, msg := range messages {
		p := payloadFor(msg)
		if rs := reactions[msg.ID]; rs != nil {
			p.Reactions = rs
		}
		p.ReadBy = readers[msg.ID]
		payloads[i] = p
	}
	if len(messages) > 0 {
		nextCursor = &messages[0].CreatedAt
	}

	writeJSON(w, http.StatusOK, messageListResponse{
		Messages:   payloads,
		HasMore:    hasMore,
		NextCursor: nextCursor,
	})
}

// trimPage takes the newest-first rows fetched with limit+1, drops the probe
// row, and reorders the page oldest-first for the client.
func trimPage(messages []*Message, limit int) ([]*Message, bool) {
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, hasMore
}
