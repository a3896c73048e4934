package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/dipu67/socialApp-sub000/internal/db"
	"github.com/dipu67/socialApp-sub000/internal/models"
	"github.com/dipu67/socialApp-sub000/wire"

	"github.com/google/uuid"
)

var (
	ErrNotParticipant = errors.New("user is not a participant of this chat")
	ErrEmptyMessage   = errors.New("message must have content or an attachment")
)

type ChatService struct{}

func NewChatService() *ChatService {
	return &ChatService{}
}

func (s *ChatService) GetOrCreateDirectChat(ctx context.Context, userID1, userID2 int) (*models.ChatResponse, error) {
	// Check if chat exists
	query := `
		SELECT c.id
		FROM chats c
		JOIN chat_participants p1 ON c.id = p1.chat_id
		JOIN chat_participants p2 ON c.id = p2.chat_id
		WHERE c.type = 'direct'
		AND p1.user_id = $1
		AND p2.user_id = $2
		LIMIT 1
	`
	var chatID string
	err := db.Pool.QueryRow(ctx, query, userID1, userID2).Scan(&chatID)
	if err == nil {
		return &models.ChatResponse{ChatID: chatID, IsNew: false}, nil
	}

	// Create new chat
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	newChatID := uuid.New().String()
	_, err = tx.Exec(ctx, "INSERT INTO chats (id, type) VALUES ($1, 'direct')", newChatID)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, "INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2), ($1, $3)", newChatID, userID1, userID2)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &models.ChatResponse{ChatID: newChatID, IsNew: true}, nil
}

// IsParticipant reports whether the user belongs to the chat.
func (s *ChatService) IsParticipant(ctx context.Context, chatID string, userID int) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`
	if err := db.Pool.QueryRow(ctx, query, chatID, userID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *ChatService) GetChatParticipants(ctx context.Context, chatID string) ([]int, error) {
	rows, err := db.Pool.Query(ctx, `SELECT user_id FROM chat_participants WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveMessage persists a message and stamps the sender's own read receipt.
// The caller gets back the server-issued ID and creation time on msg.
func (s *ChatService) SaveMessage(ctx context.Context, msg *wire.Message) error {
	if msg.Content == "" && msg.Attachment == nil {
		return ErrEmptyMessage
	}
	if msg.Kind == "" {
		msg.Kind = wire.KindText
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	msg.ID = uuid.New().String()

	var attURL, attName *string
	var attSize *int64
	if msg.Attachment != nil {
		attURL = &msg.Attachment.URL
		if msg.Attachment.Name != "" {
			attName = &msg.Attachment.Name
		}
		if msg.Attachment.Size > 0 {
			attSize = &msg.Attachment.Size
		}
	}

	query := `INSERT INTO messages (id, chat_id, user_id, username, kind, content, attachment_url, attachment_name, attachment_size)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9) RETURNING created_at`
	err = tx.QueryRow(ctx, query,
		msg.ID, msg.ChatID, msg.SenderID, msg.SenderName, msg.Kind, msg.Content, attURL, attName, attSize,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return err
	}

	// The sender has trivially read their own message.
	var readAt time.Time
	err = tx.QueryRow(ctx,
		`INSERT INTO message_reads (message_id, user_id) VALUES ($1, $2) RETURNING read_at`,
		msg.ID, msg.SenderID,
	).Scan(&readAt)
	if err != nil {
		return err
	}
	msg.ReadBy = []wire.ReadReceipt{{UserID: msg.SenderID, ReadAt: readAt}}

	return tx.Commit(ctx)
}

// GetRecentMessages returns up to limit messages for a chat in chronological
// order, with reaction and read-receipt sets attached. A non-zero before
// timestamp pages backwards.
func (s *ChatService) GetRecentMessages(ctx context.Context, chatID string, limit int, before time.Time) ([]wire.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT id, chat_id, user_id, username, kind, COALESCE(content, ''),
			attachment_url, attachment_name, attachment_size, created_at
		FROM messages WHERE chat_id = $1`
	args := []interface{}{chatID}
	if !before.IsZero() {
		query += ` AND created_at < $2`
		args = append(args, before)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + strconv.Itoa(limit)

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []wire.Message
	ids := make([]string, 0, limit)
	for rows.Next() {
		var msg wire.Message
		var attURL, attName *string
		var attSize *int64
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.SenderName, &msg.Kind,
			&msg.Content, &attURL, &attName, &attSize, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if attURL != nil {
			msg.Attachment = &wire.Attachment{URL: *attURL}
			if attName != nil {
				msg.Attachment.Name = *attName
			}
			if attSize != nil {
				msg.Attachment.Size = *attSize
			}
		}
		messages = append(messages, msg)
		ids = append(ids, msg.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to show oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	if len(ids) == 0 {
		return messages, nil
	}

	reactions, err := s.reactionsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	receipts, err := s.receiptsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].Reactions = reactions[messages[i].ID]
		messages[i].ReadBy = receipts[messages[i].ID]
	}

	return messages, nil
}

func (s *ChatService) reactionsFor(ctx context.Context, messageIDs []string) (map[string]map[string][]int, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT message_id, emoji, user_id FROM message_reactions WHERE message_id = ANY($1) ORDER BY created_at`,
		messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]map[string][]int)
	for rows.Next() {
		var msgID, emoji string
		var userID int
		if err := rows.Scan(&msgID, &emoji, &userID); err != nil {
			return nil, err
		}
		if out[msgID] == nil {
			out[msgID] = make(map[string][]int)
		}
		out[msgID][emoji] = append(out[msgID][emoji], userID)
	}
	return out, rows.Err()
}

func (s *ChatService) receiptsFor(ctx context.Context, messageIDs []string) (map[string][]wire.ReadReceipt, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT message_id, user_id, read_at FROM message_reads WHERE message_id = ANY($1) ORDER BY read_at`,
		messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]wire.ReadReceipt)
	for rows.Next() {
		var msgID string
		var r wire.ReadReceipt
		if err := rows.Scan(&msgID, &r.UserID, &r.ReadAt); err != nil {
			return nil, err
		}
		out[msgID] = append(out[msgID], r)
	}
	return out, rows.Err()
}

// ToggleReaction removes the user's reaction if it exists, adds it otherwise,
// and returns the message's full updated reaction set so callers replace
// rather than locally toggle.
func (s *ChatService) ToggleReaction(ctx context.Context, messageID string, userID int, emoji string) (map[string][]int, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		_, err = tx.Exec(ctx,
			`INSERT INTO message_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)`,
			messageID, userID, emoji)
		if err != nil {
			return nil, err
		}
	}

	rows, err := tx.Query(ctx,
		`SELECT emoji, user_id FROM message_reactions WHERE message_id = $1 ORDER BY created_at`,
		messageID)
	if err != nil {
		return nil, err
	}
	reactions := make(map[string][]int)
	for rows.Next() {
		var e string
		var u int
		if err := rows.Scan(&e, &u); err != nil {
			rows.Close()
			return nil, err
		}
		reactions[e] = append(reactions[e], u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return reactions, nil
}

// GetMessageChat resolves the chat a message belongs to.
func (s *ChatService) GetMessageChat(ctx context.Context, messageID string) (string, error) {
	var chatID string
	err := db.Pool.QueryRow(ctx, `SELECT chat_id FROM messages WHERE id = $1`, messageID).Scan(&chatID)
	return chatID, err
}

// UnreadCounts returns the per-chat unread count map and total for a viewer.
// A message is unread when it postdates the viewer's read watermark and was
// sent by someone else.
func (s *ChatService) UnreadCounts(ctx context.Context, userID int) (*wire.UnreadCounts, error) {
	query := `
		SELECT m.chat_id, COUNT(*)
		FROM messages m
		JOIN chat_participants p ON p.chat_id = m.chat_id AND p.user_id = $1
		LEFT JOIN chat_reads r ON r.chat_id = m.chat_id AND r.user_id = $1
		WHERE m.user_id <> $1
		AND (r.last_read_at IS NULL OR m.created_at > r.last_read_at)
		GROUP BY m.chat_id
	`
	rows, err := db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := &wire.UnreadCounts{Chats: make(map[string]int)}
	for rows.Next() {
		var chatID string
		var n int
		if err := rows.Scan(&chatID, &n); err != nil {
			return nil, err
		}
		counts.Chats[chatID] = n
		counts.Total += n
	}
	return counts, rows.Err()
}

// MarkChatRead advances the viewer's watermark for a chat and stamps read
// receipts on everything up to now. Safe to call repeatedly.
func (s *ChatService) MarkChatRead(ctx context.Context, chatID string, userID int) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO chat_reads (chat_id, user_id, last_read_at) VALUES ($1, $2, now())
		ON CONFLICT (chat_id, user_id) DO UPDATE SET last_read_at = now()`,
		chatID, userID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO message_reads (message_id, user_id)
		SELECT m.id, $2 FROM messages m WHERE m.chat_id = $1
		ON CONFLICT (message_id, user_id) DO NOTHING`,
		chatID, userID)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}
