package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chat_fanout/internal/apperr"
	"chat_fanout/internal/domain"
)

// ChatRepository owns durable storage of chats and messages.
type ChatRepository interface {
	EnsureUser(ctx context.Context, userID uuid.UUID, userName string) error
	CreateChat(ctx context.Context, members []uuid.UUID, isGroup bool, name string) (*domain.Chat, error)
	FindOrCreateDirectChat(ctx context.Context, a, b uuid.UUID) (*domain.Chat, bool, error)
	FindChatByMembers(ctx context.Context, a, b uuid.UUID) (*domain.Chat, error)
	GetUserChats(ctx context.Context, userID uuid.UUID) ([]*domain.Chat, error)
	FindChatByID(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error)
	IsChatMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error)
	CreateMessage(ctx context.Context, chatID, senderID uuid.UUID, content string) (*domain.Message, error)
	GetMessagesByChatID(ctx context.Context, chatID uuid.UUID) ([]*domain.Message, error)
	MarkChatRead(ctx context.Context, chatID, userID uuid.UUID) (int64, error)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLChatRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

func NewChatRepository(db *sql.DB, driver string) *SQLChatRepository {
	return &SQLChatRepository{
		db:     db,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *SQLChatRepository) q(query string) string { return rebind(r.driver, query) }

func (r *SQLChatRepository) EnsureUser(ctx context.Context, userID uuid.UUID, userName string) error {
	query := `
		INSERT INTO users (id, user_name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET user_name = excluded.user_name
	`
	if userName == "" {
		userName = "user_" + userID.String()[:8]
		query = `
			INSERT INTO users (id, user_name, created_at) VALUES (?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`
	}
	if _, err := r.db.ExecContext(ctx, r.q(query), userID, userName, r.now().UnixNano()); err != nil {
		return apperr.Storage("repository.EnsureUser", err)
	}
	return nil
}

// PairKey is the order-independent identity of a direct chat between a and b.
func PairKey(a, b uuid.UUID) string {
	ids := []string{a.String(), b.String()}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

func (r *SQLChatRepository) CreateChat(ctx context.Context, members []uuid.UUID, isGroup bool, name string) (*domain.Chat, error) {
	const op = "repository.CreateChat"
	members = lo.Uniq(members)
	if !isGroup && len(members) != 2 {
		return nil, apperr.Malformed(op, fmt.Errorf("a direct chat needs exactly two distinct members, got %d", len(members)))
	}
	if len(members) == 0 {
		return nil, apperr.Malformed(op, errors.New("a chat needs members"))
	}

	chat := r.newChat(members, isGroup, name)
	var pairKey sql.NullString
	if !isGroup {
		pairKey = sql.NullString{String: PairKey(members[0], members[1]), Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Storage(op, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	inserted, err := r.insertChat(ctx, tx, chat, pairKey)
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	if !inserted {
		return nil, apperr.E(apperr.KindAlreadyExists, op, fmt.Errorf("direct chat %s already exists", pairKey.String))
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Storage(op, fmt.Errorf("commit: %w", err))
	}
	return chat, nil
}

// FindOrCreateDirectChat returns the direct chat between a and b, creating it when absent.
// The unique pair key makes concurrent callers converge on a single row.
func (r *SQLChatRepository) FindOrCreateDirectChat(ctx context.Context, a, b uuid.UUID) (*domain.Chat, bool, error) {
	const op = "repository.FindOrCreateDirectChat"
	if a == b {
		return nil, false, apperr.Malformed(op, errors.New("a direct chat needs two distinct members"))
	}

	chat := r.newChat([]uuid.UUID{a, b}, false, "")
	pairKey := sql.NullString{String: PairKey(a, b), Valid: true}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, apperr.Storage(op, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	inserted, err := r.insertChat(ctx, tx, chat, pairKey)
	if err != nil {
		return nil, false, apperr.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, apperr.Storage(op, fmt.Errorf("commit: %w", err))
	}
	if inserted {
		return chat, true, nil
	}

	existing, err := r.FindChatByMembers(ctx, a, b)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *SQLChatRepository) newChat(members []uuid.UUID, isGroup bool, name string) *domain.Chat {
	now := r.now()
	return &domain.Chat{
		ID:          uuid.New(),
		Members:     members,
		IsGroupChat: isGroup,
		Name:        name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// insertChat reports false when a chat with the same pair key already exists.
func (r *SQLChatRepository) insertChat(ctx context.Context, tx *sql.Tx, chat *domain.Chat, pairKey sql.NullString) (bool, error) {
	name := sql.NullString{String: chat.Name, Valid: chat.Name != ""}
	res, err := tx.ExecContext(ctx, r.q(`
		INSERT INTO chats (id, name, is_group, pair_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (pair_key) DO NOTHING
	`), chat.ID, name, chat.IsGroupChat, pairKey, chat.CreatedAt.UnixNano(), chat.UpdatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("insert chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	for _, member := range chat.Members {
		if _, err := tx.ExecContext(ctx, r.q(`
			INSERT INTO chat_members (chat_id, user_id) VALUES (?, ?)
			ON CONFLICT (chat_id, user_id) DO NOTHING
		`), chat.ID, member); err != nil {
			return false, fmt.Errorf("insert chat member: %w", err)
		}
	}
	return true, nil
}

func (r *SQLChatRepository) FindChatByMembers(ctx context.Context, a, b uuid.UUID) (*domain.Chat, error) {
	const op = "repository.FindChatByMembers"
	var chatID uuid.UUID
	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT id FROM chats
		WHERE pair_key = ? AND is_group = ? AND deleted_at IS NULL
	`), PairKey(a, b), false).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(op, fmt.Errorf("no direct chat between %s and %s", a, b))
	}
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	return r.FindChatByID(ctx, chatID)
}

const chatColumns = `
	c.id, c.name, c.is_group, c.created_at, c.updated_at,
	m.id, m.sender_id, m.content, m.created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*domain.Chat, error) {
	var (
		chat                 domain.Chat
		name                 sql.NullString
		createdAt, updatedAt int64
		latestID, latestFrom uuid.NullUUID
		latestContent        sql.NullString
		latestAt             sql.NullInt64
	)
	if err := row.Scan(&chat.ID, &name, &chat.IsGroupChat, &createdAt, &updatedAt,
		&latestID, &latestFrom, &latestContent, &latestAt); err != nil {
		return nil, err
	}
	chat.Name = name.String
	chat.CreatedAt = fromNanos(createdAt)
	chat.UpdatedAt = fromNanos(updatedAt)
	if latestID.Valid {
		chat.LatestMessage = &domain.Message{
			ID:        latestID.UUID,
			ChatID:    chat.ID,
			SenderID:  latestFrom.UUID,
			Content:   latestContent.String,
			ReadBy:    []uuid.UUID{},
			CreatedAt: fromNanos(latestAt.Int64),
		}
	}
	return &chat, nil
}

func (r *SQLChatRepository) FindChatByID(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error) {
	const op = "repository.FindChatByID"
	chat, err := scanChat(r.db.QueryRowContext(ctx, r.q(`
		SELECT `+chatColumns+`
		FROM chats c
		LEFT JOIN messages m ON m.id = c.latest_message_id
		WHERE c.id = ? AND c.deleted_at IS NULL
	`), chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(op, fmt.Errorf("chat %s not found", chatID))
	}
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	if chat.Members, err = r.loadMembers(ctx, r.db, chat.ID); err != nil {
		return nil, apperr.Storage(op, err)
	}
	return chat, nil
}

func (r *SQLChatRepository) GetUserChats(ctx context.Context, userID uuid.UUID) ([]*domain.Chat, error) {
	const op = "repository.GetUserChats"
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT `+chatColumns+`
		FROM chats c
		JOIN chat_members cm ON cm.chat_id = c.id
		LEFT JOIN messages m ON m.id = c.latest_message_id
		WHERE cm.user_id = ? AND c.deleted_at IS NULL
		ORDER BY c.updated_at DESC, c.id
	`), userID)
	if err != nil {
		return nil, apperr.Storage(op, fmt.Errorf("failed to fetch chats: %w", err))
	}
	chats := []*domain.Chat{}
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			rows.Close()
			return nil, apperr.Storage(op, err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, apperr.Storage(op, err)
	}
	rows.Close()

	// Members are loaded after the cursor is closed; SQLite runs on a single connection.
	for _, chat := range chats {
		if chat.Members, err = r.loadMembers(ctx, r.db, chat.ID); err != nil {
			return nil, apperr.Storage(op, err)
		}
	}
	return chats, nil
}

func (r *SQLChatRepository) loadMembers(ctx context.Context, q querier, chatID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT user_id FROM chat_members WHERE chat_id = ? ORDER BY user_id`), chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chat members: %w", err)
	}
	defer rows.Close()

	members := []uuid.UUID{}
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		members = append(members, userID)
	}
	return members, rows.Err()
}

func (r *SQLChatRepository) IsChatMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	var member bool
	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT EXISTS (
			SELECT 1 FROM chat_members cm
			JOIN chats c ON c.id = cm.chat_id
			WHERE cm.chat_id = ? AND cm.user_id = ? AND c.deleted_at IS NULL
		)
	`), chatID, userID).Scan(&member)
	if err != nil {
		return false, apperr.Storage("repository.IsChatMember", err)
	}
	return member, nil
}

// CreateMessage stores the message and moves the chat's latest-message pointer in one transaction.
func (r *SQLChatRepository) CreateMessage(ctx context.Context, chatID, senderID uuid.UUID, content string) (*domain.Message, error) {
	const op = "repository.CreateMessage"
	msg := &domain.Message{
		ID:        uuid.New(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		ReadBy:    []uuid.UUID{},
		CreatedAt: r.now(),
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Storage(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.q(`
		UPDATE chats SET latest_message_id = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`), msg.ID, msg.CreatedAt.UnixNano(), chatID)
	if err != nil {
		return nil, apperr.Storage(op, fmt.Errorf("failed to update chat: %w", err))
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, apperr.Storage(op, err)
	} else if affected == 0 {
		return nil, apperr.NotFound(op, fmt.Errorf("chat %s not found", chatID))
	}

	if _, err := tx.ExecContext(ctx, r.q(`
		INSERT INTO messages (id, chat_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.CreatedAt.UnixNano()); err != nil {
		return nil, apperr.Storage(op, fmt.Errorf("failed to insert message: %w", err))
	}

	var userName string
	err = tx.QueryRowContext(ctx, r.q(`SELECT user_name FROM users WHERE id = ?`), senderID).Scan(&userName)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, apperr.Storage(op, fmt.Errorf("failed to load sender: %w", err))
	default:
		msg.Sender = &domain.User{ID: senderID, UserName: userName}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Storage(op, fmt.Errorf("commit: %w", err))
	}
	return msg, nil
}

func (r *SQLChatRepository) GetMessagesByChatID(ctx context.Context, chatID uuid.UUID) ([]*domain.Message, error) {
	const op = "repository.GetMessagesByChatID"
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT m.id, m.chat_id, m.sender_id, u.id, u.user_name, m.content, m.created_at
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = ? AND m.deleted_at IS NULL
		ORDER BY m.seq ASC
	`), chatID)
	if err != nil {
		return nil, apperr.Storage(op, fmt.Errorf("failed to fetch messages: %w", err))
	}

	messages := []*domain.Message{}
	byID := make(map[uuid.UUID]*domain.Message)
	for rows.Next() {
		var (
			msg       domain.Message
			userID    uuid.NullUUID
			userName  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &userID, &userName, &msg.Content, &createdAt); err != nil {
			rows.Close()
			return nil, apperr.Storage(op, err)
		}
		if userID.Valid {
			msg.Sender = &domain.User{ID: userID.UUID, UserName: userName.String}
		}
		msg.ReadBy = []uuid.UUID{}
		msg.CreatedAt = fromNanos(createdAt)
		messages = append(messages, &msg)
		byID[msg.ID] = &msg
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, apperr.Storage(op, err)
	}
	rows.Close()

	if len(messages) == 0 {
		return messages, nil
	}
	if err := r.loadReads(ctx, chatID, byID); err != nil {
		return nil, apperr.Storage(op, err)
	}
	return messages, nil
}

func (r *SQLChatRepository) loadReads(ctx context.Context, chatID uuid.UUID, byID map[uuid.UUID]*domain.Message) error {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT r.message_id, r.user_id
		FROM message_reads r
		JOIN messages m ON m.id = r.message_id
		WHERE m.chat_id = ?
		ORDER BY r.read_at, r.user_id
	`), chatID)
	if err != nil {
		return fmt.Errorf("failed to fetch receipts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var messageID, userID uuid.UUID
		if err := rows.Scan(&messageID, &userID); err != nil {
			return err
		}
		if msg, ok := byID[messageID]; ok {
			msg.ReadBy = append(msg.ReadBy, userID)
		}
	}
	return rows.Err()
}

// MarkChatRead records a read receipt from userID for every message in the chat sent by
// someone else. It returns the number of receipts created.
func (r *SQLChatRepository) MarkChatRead(ctx context.Context, chatID, userID uuid.UUID) (int64, error) {
	const op = "repository.MarkChatRead"
	res, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO message_reads (message_id, user_id, read_at)
		SELECT m.id, CAST(? AS TEXT), CAST(? AS BIGINT)
		FROM messages m
		WHERE m.chat_id = ? AND m.sender_id <> ? AND m.deleted_at IS NULL
		ON CONFLICT (message_id, user_id) DO NOTHING
	`), userID, r.now().UnixNano(), chatID, userID)
	if err != nil {
		return 0, apperr.Storage(op, fmt.Errorf("failed to update receipts: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Storage(op, err)
	}
	return affected, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
