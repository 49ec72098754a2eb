package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and *pgxpool.Conn, so the same
// query methods serve pool-backed REST calls and pinned socket sessions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the Postgres-backed Store.
type Repository struct {
	pool *pgxpool.Pool
	q    querier
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, q: pool}
}

// Session pins one pooled connection for the lifetime of a socket. The
// returned release func must run on every exit path.
func (r *Repository) Session(ctx context.Context) (Store, func(), error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &Repository{pool: r.pool, q: conn}, conn.Release, nil
}

const messageColumns = `id, conversation_id, sender_id, content, message_type,
	created_at, updated_at, edited, deleted_at, reply_to, message_metadata`

func scanMessage(row pgx.Row) (*Message, error) {
	msg := &Message{}
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msg.Type,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&msg.Edited,
		&msg.DeletedAt,
		&msg.ReplyTo,
		&msg.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Repository) FindConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	c := &Conversation{}
	err := r.q.QueryRow(ctx, `
		SELECT id, conversation_type, created_by, created_at, updated_at
		FROM conversations WHERE id = $1
	`, id).Scan(&c.ID, &c.Type, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func (r *Repository) FindParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)
	`, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *Repository) FindMessageByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	msg, err := scanMessage(r.q.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// InsertMessage persists a message under its caller-supplied id. A concurrent
// insert of the same id loses to the primary key constraint; the protocol
// layer treats that error like any other persistence failure and the client
// retry lands on the duplicate path.
func (r *Repository) InsertMessage(ctx context.Context, msg *Message) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, message_type,
			created_at, updated_at, edited, reply_to, message_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Type,
		msg.CreatedAt, msg.UpdatedAt, msg.Edited, msg.ReplyTo, msg.Metadata)
	return err
}

func (r *Repository) TouchConversation(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.q.Exec(ctx,
		`UPDATE conversations SET updated_at = $2 WHERE id = $1`, id, now)
	return err
}

// FindOrCreateReadReceipt records the first read of a message by a user.
// The (message_id, user_id) primary key makes creation race-safe; the loser
// of a race reads back the winner's row.
func (r *Repository) FindOrCreateReadReceipt(ctx context.Context, messageID, userID uuid.UUID) (*ReadReceipt, bool, error) {
	rr := &ReadReceipt{MessageID: messageID, UserID: userID}

	err := r.q.QueryRow(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO NOTHING
		RETURNING read_at
	`, messageID, userID, time.Now().UTC()).Scan(&rr.ReadAt)
	if err == nil {
		return rr, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	// Already recorded; keep the original first-read timestamp.
	err = r.q.QueryRow(ctx, `
		SELECT read_at FROM message_reads WHERE message_id = $1 AND user_id = $2
	`, messageID, userID).Scan(&rr.ReadAt)
	if err != nil {
		return nil, false, err
	}
	return rr, false, nil
}

// CreateConversation inserts the conversation and its participant rows in
// one transaction.
func (r *Repository) CreateConversation(ctx context.Context, conv *Conversation, participants []uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, conversation_type, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, conv.ID, conv.Type, conv.CreatedBy, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return err
	}

	for _, userID := range participants {
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id)
			VALUES ($1, $2)
		`, conv.ID, userID)
		if err != nil {
			return fmt.Errorf("adding participant %s: %w", userID, err)
		}
	}

	return tx.Commit(ctx)
}

// ListConversations returns the user's conversations ordered by last activity.
func (r *Repository) ListConversations(ctx context.Context, userID uuid.UUID) ([]*Conversation, error) {
	rows, err := r.q.Query(ctx, `
		SELECT c.id, c.conversation_type, c.created_by, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		c := &Conversation{}
		if err := rows.Scan(&c.ID, &c.Type, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

func (r *Repository) ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.q.Query(ctx, `
		SELECT user_id FROM conversation_participants WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		participants = append(participants, id)
	}
	return participants, rows.Err()
}

// ListMessages returns up to limit messages of a conversation, newest first,
// excluding soft-deleted rows. A non-nil before restricts to older messages.
func (r *Repository) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int, before *time.Time) ([]*Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1 AND deleted_at IS NULL`
	args := []any{conversationID}
	if before != nil {
		query += ` AND created_at < $2`
		args = append(args, *before)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ListReactions loads the reactions for a set of messages, keyed by message id.
func (r *Repository) ListReactions(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]Reaction, error) {
	reactions := make(map[uuid.UUID][]Reaction)
	if len(messageIDs) == 0 {
		return reactions, nil
	}

	rows, err := r.q.Query(ctx, `
		SELECT message_id, user_id, emoji, created_at
		FROM message_reactions WHERE message_id = ANY($1)
	`, messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var messageID uuid.UUID
		var reaction Reaction
		if err := rows.Scan(&messageID, &reaction.UserID, &reaction.Emoji, &reaction.CreatedAt); err != nil {
			return nil, err
		}
		reactions[messageID] = append(reactions[messageID], reaction)
	}
	return reactions, rows.Err()
}

// ListReaders loads the reader ids of a set of messages, keyed by message id.
func (r *Repository) ListReaders(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	readers := make(map[uuid.UUID][]uuid.UUID)
	if len(messageIDs) == 0 {
		return readers, nil
	}

	rows, err := r.q.Query(ctx, `
		SELECT message_id, user_id FROM message_reads WHERE message_id = ANY($1)
	`, messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, userID uuid.UUID
		if err := rows.Scan(&messageID, &userID); err != nil {
			return nil, err
		}
		readers[messageID] = append(readers[messageID], userID)
	}
	return readers, rows.Err()
}
