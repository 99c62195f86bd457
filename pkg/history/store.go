// Package history 提供基于 SQLite 的消息与摘要持久化存储。
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sgopi888/neuroheart-chat-api/pkg/core/errors"
	"github.com/sgopi888/neuroheart-chat-api/pkg/core/message"
)

// Conversation 表示一个会话。
type Conversation struct {
	// ID 会话标识
	ID string `json:"conversation_id"`
	// UserUID 属主用户
	UserUID string `json:"-"`
	// Title 标题
	Title string `json:"title,omitempty"`
	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt 最近活跃时间
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary 表示一个会话的滚动摘要行。
//
// Watermark（summarized_through_message_id）一旦非空即单调不减：
// 压缩永不重复处理已入摘要的消息，也不回退水位线。
type Summary struct {
	// ConversationID 会话标识
	ConversationID string
	// Summary 摘要文本（可为空）
	Summary string
	// Watermark 已折叠进摘要的最大消息 id（nil 表示尚未压缩过）
	Watermark *int64
}

// Store SQLite 消息与摘要存储。
type Store struct {
	db *sql.DB
}

// NewStore 创建 SQLite 存储。
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

// initSchema 初始化表结构。
// chat_messages.id 使用 AUTOINCREMENT，保证会话内消息 id 严格单调递增。
func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_uid TEXT NOT NULL,
		title TEXT,
		is_archived INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_uid, updated_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		user_uid TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON chat_messages(conversation_id, id);

	CREATE TABLE IF NOT EXISTS conversation_summaries (
		conversation_id TEXT PRIMARY KEY,
		user_uid TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		summarized_through_message_id INTEGER,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// CreateConversation 创建新会话。
func (s *Store) CreateConversation(ctx context.Context, userUID, title string) (*Conversation, error) {
	now := time.Now()
	conv := &Conversation{
		ID:        uuid.NewString(),
		UserUID:   userUID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `INSERT INTO conversations (id, user_uid, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, conv.ID, userUID, title, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// ListConversations 列出用户的未归档会话，按活跃时间降序。
func (s *Store) ListConversations(ctx context.Context, userUID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
	SELECT id, user_uid, title, created_at, updated_at
	FROM conversations
	WHERE user_uid = ? AND is_archived = 0
	ORDER BY updated_at DESC
	LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userUID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Conversation
	for rows.Next() {
		var c Conversation
		var title sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&c.ID, &c.UserUID, &title, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.Title = title.String
		c.CreatedAt = time.UnixMilli(createdAt)
		c.UpdatedAt = time.UnixMilli(updatedAt)
		result = append(result, c)
	}
	return result, rows.Err()
}

// AssertOwner 校验会话属主。
// 会话不存在或不属于该用户时返回 ErrConversationNotFound，
// 调用方必须在任何历史读写之前调用。
func (s *Store) AssertOwner(ctx context.Context, userUID, conversationID string) error {
	query := `SELECT 1 FROM conversations WHERE id = ? AND user_uid = ?`

	var one int
	err := s.db.QueryRowContext(ctx, query, conversationID, userUID).Scan(&one)
	if err == sql.ErrNoRows {
		return errors.ErrConversationNotFound
	}
	return err
}

// InsertMessage 写入一条消息并返回存储分配的 id。
// 同时刷新会话的活跃时间。
func (s *Store) InsertMessage(ctx context.Context, userUID, conversationID string, role message.Role, content string, metadata map[string]interface{}) (int64, error) {
	var metaJSON sql.NullString
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(raw), Valid: true}
	}

	now := time.Now().UnixMilli()
	query := `INSERT INTO chat_messages (conversation_id, user_uid, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, query, conversationID, userUID, string(role), content, metaJSON, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	touch := `UPDATE conversations SET updated_at = ? WHERE id = ? AND user_uid = ?`
	if _, err := s.db.ExecContext(ctx, touch, now, conversationID, userUID); err != nil {
		return 0, err
	}

	return id, nil
}

// FetchRecent 返回会话最近 limit 条消息，按 id 升序。
// beforeID > 0 时只返回 id 小于 beforeID 的消息。
func (s *Store) FetchRecent(ctx context.Context, conversationID string, limit int, beforeID int64) ([]message.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if beforeID > 0 {
		query := `
		SELECT id, conversation_id, role, content, created_at FROM chat_messages
		WHERE conversation_id = ? AND id < ?
		ORDER BY id DESC LIMIT ?`
		rows, err = s.db.QueryContext(ctx, query, conversationID, beforeID, limit)
	} else {
		query := `
		SELECT id, conversation_id, role, content, created_at FROM chat_messages
		WHERE conversation_id = ?
		ORDER BY id DESC LIMIT ?`
		rows, err = s.db.QueryContext(ctx, query, conversationID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// 倒序查询取最近 N 条，翻转为升序用于提示词
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// FetchRange 返回 id 在 (afterID, beforeID) 区间内的消息，按 id 升序。
// afterID <= 0 表示区间左端无界。
func (s *Store) FetchRange(ctx context.Context, conversationID string, afterID, beforeID int64) ([]message.Message, error) {
	var rows *sql.Rows
	var err error
	if afterID > 0 {
		query := `
		SELECT id, conversation_id, role, content, created_at FROM chat_messages
		WHERE conversation_id = ? AND id > ? AND id < ?
		ORDER BY id ASC`
		rows, err = s.db.QueryContext(ctx, query, conversationID, afterID, beforeID)
	} else {
		query := `
		SELECT id, conversation_id, role, content, created_at FROM chat_messages
		WHERE conversation_id = ? AND id < ?
		ORDER BY id ASC`
		rows, err = s.db.QueryContext(ctx, query, conversationID, beforeID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// FetchRecentIDs 返回会话最近 n 条消息的 id，按升序。
func (s *Store) FetchRecentIDs(ctx context.Context, conversationID string, n int) ([]int64, error) {
	query := `SELECT id FROM chat_messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, conversationID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// CountMessages 返回会话的消息总数。
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	query := `SELECT COUNT(*) FROM chat_messages WHERE conversation_id = ?`

	var count int
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&count)
	return count, err
}

// GetOrCreateSummary 返回会话的摘要行，首次访问时惰性创建
// （空摘要、空水位线）。
func (s *Store) GetOrCreateSummary(ctx context.Context, userUID, conversationID string) (*Summary, error) {
	query := `SELECT summary, summarized_through_message_id FROM conversation_summaries WHERE conversation_id = ?`

	sum := &Summary{ConversationID: conversationID}
	var watermark sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&sum.Summary, &watermark)
	if err == sql.ErrNoRows {
		insert := `INSERT INTO conversation_summaries (conversation_id, user_uid, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (conversation_id) DO NOTHING`
		if _, err := s.db.ExecContext(ctx, insert, conversationID, userUID, time.Now().UnixMilli()); err != nil {
			return nil, err
		}
		return sum, nil
	}
	if err != nil {
		return nil, err
	}

	if watermark.Valid {
		w := watermark.Int64
		sum.Watermark = &w
	}
	return sum, nil
}

// UpdateSummary 条件写入摘要与水位线。
//
// 仅当新水位线大于当前存储值（或当前为空）时才生效，使并发压缩的
// 竞争无害：落后的写入返回 ErrStaleWatermark，水位线永不回退。
func (s *Store) UpdateSummary(ctx context.Context, conversationID string, watermark int64, summaryText string) error {
	query := `
	UPDATE conversation_summaries
	SET summary = ?, summarized_through_message_id = ?, updated_at = ?
	WHERE conversation_id = ?
	  AND (summarized_through_message_id IS NULL OR summarized_through_message_id < ?)`

	result, err := s.db.ExecContext(ctx, query, summaryText, watermark, time.Now().UnixMilli(), conversationID, watermark)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.ErrStaleWatermark
	}
	return nil
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	return s.db.Close()
}

// scanMessages 从查询结果读出消息列表。
func scanMessages(rows *sql.Rows) ([]message.Message, error) {
	var msgs []message.Message
	for rows.Next() {
		var m message.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		m.Role = message.Role(role)
		m.Timestamp = time.UnixMilli(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
