package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
)

type SQLiteMessageStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ MessageStore = &SQLiteMessageStore{}

func NewSQLiteMessageStore(dsn string) (*SQLiteMessageStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite message store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteMessageStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile turns a file path into a DSN with WAL and a busy timeout.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite message store: empty path")
	}
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteMessageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteMessageStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
		  id TEXT PRIMARY KEY,
		  title TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  last_activity_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_last_activity
		  ON conversations(last_activity_ms DESC, id ASC);`,
		`CREATE TABLE IF NOT EXISTS messages (
		  seq INTEGER PRIMARY KEY AUTOINCREMENT,
		  id TEXT NOT NULL UNIQUE,
		  conv_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		  local_id TEXT NOT NULL DEFAULT '',
		  sender_type TEXT NOT NULL,
		  content TEXT NOT NULL,
		  created_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_by_local_id
		  ON messages(conv_id, local_id) WHERE local_id <> '';`,
		`CREATE INDEX IF NOT EXISTS messages_by_conv
		  ON messages(conv_id, seq);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite message store: migrate")
		}
	}
	return nil
}

func (s *SQLiteMessageStore) CreateConversation(ctx context.Context, title string) (chatsync.Conversation, error) {
	if s == nil || s.db == nil {
		return chatsync.Conversation{}, errors.New("sqlite message store: db is nil")
	}
	conv := newConversation(title, s.now())
	ms := conv.CreatedAt.UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at_ms, last_activity_ms) VALUES (?, ?, ?, ?)
	`, conv.ID, conv.Title, ms, ms)
	if err != nil {
		return chatsync.Conversation{}, errors.Wrap(err, "sqlite message store: create conversation")
	}
	conv.CreatedAt = time.UnixMilli(ms).UTC()
	return conv, nil
}

func (s *SQLiteMessageStore) GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error) {
	if s == nil || s.db == nil {
		return ConversationRecord{}, false, errors.New("sqlite message store: db is nil")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ConversationRecord{}, false, errors.New("sqlite message store: convID is empty")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.title, c.created_at_ms, c.last_activity_ms,
		       (SELECT COUNT(*) FROM messages m WHERE m.conv_id = c.id)
		FROM conversations c
		WHERE c.id = ?
	`, convID)
	record, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationRecord{}, false, nil
	}
	if err != nil {
		return ConversationRecord{}, false, errors.Wrap(err, "sqlite message store: get conversation")
	}
	return record, true, nil
}

func (s *SQLiteMessageStore) ListConversations(ctx context.Context, limit int) ([]ConversationRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite message store: db is nil")
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at_ms, c.last_activity_ms,
		       (SELECT COUNT(*) FROM messages m WHERE m.conv_id = c.id)
		FROM conversations c
		ORDER BY c.last_activity_ms DESC, c.id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite message store: list conversations")
	}
	defer func() { _ = rows.Close() }()

	var records []ConversationRecord
	for rows.Next() {
		record, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite message store: scan conversation")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite message store: iterate conversations")
	}
	return records, nil
}

func (s *SQLiteMessageStore) AppendMessage(ctx context.Context, m chatsync.Message) (chatsync.Message, bool, error) {
	if s == nil || s.db == nil {
		return chatsync.Message{}, false, errors.New("sqlite message store: db is nil")
	}
	m, err := normalizeMessage(m, s.now())
	if err != nil {
		return chatsync.Message{}, false, errors.Wrap(err, "sqlite message store")
	}
	createdMs := m.CreatedAt.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chatsync.Message{}, false, errors.Wrap(err, "sqlite message store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, m.ConversationID).Scan(&exists); err != nil {
		return chatsync.Message{}, false, errors.Wrap(err, "sqlite message store: lookup conversation")
	}
	if exists == 0 {
		return chatsync.Message{}, false, errors.Wrapf(ErrConversationNotFound, "append to %s", m.ConversationID)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, conv_id, local_id, sender_type, content, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.LocalID, string(m.SenderType), m.Content, createdMs)
	if err != nil {
		return chatsync.Message{}, false, errors.Wrap(err, "sqlite message store: insert message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return chatsync.Message{}, false, errors.Wrap(err, "sqlite message store: rows affected")
	}
	if n == 0 {
		if m.LocalID == "" {
			return chatsync.Message{}, false, errors.Errorf("sqlite message store: message id %s already exists", m.ID)
		}
		existing, err := scanMessage(tx.QueryRowContext(ctx, `
			SELECT id, conv_id, local_id, sender_type, content, created_at_ms
			FROM messages WHERE conv_id = ? AND local_id = ?
		`, m.ConversationID, m.LocalID))
		if err != nil {
			return chatsync.Message{}, false, errors.Wrap(err, "sqlite message store: load existing message")
		}
		return existing, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_activity_ms = MAX(last_activity_ms, ?) WHERE id = ?
	`, createdMs, m.ConversationID); err != nil {
		return chatsync.Message{}, false, errors.Wrap(err, "sqlite message store: touch conversation")
	}
	if err := tx.Commit(); err != nil {
		return chatsync.Message{}, false, errors.Wrap(err, "sqlite message store: commit")
	}
	m.CreatedAt = time.UnixMilli(createdMs).UTC()
	return m, true, nil
}

func (s *SQLiteMessageStore) ListMessages(ctx context.Context, convID string, limit int) ([]chatsync.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite message store: db is nil")
	}
	convID = strings.TrimSpace(convID)
	if _, ok, err := s.GetConversation(ctx, convID); err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.Wrapf(ErrConversationNotFound, "list %s", convID)
	}
	if limit <= 0 {
		limit = -1
	}
	// Latest `limit` messages, returned oldest first.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conv_id, local_id, sender_type, content, created_at_ms FROM (
			SELECT seq, id, conv_id, local_id, sender_type, content, created_at_ms
			FROM messages WHERE conv_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, convID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite message store: list messages")
	}
	defer func() { _ = rows.Close() }()

	var out []chatsync.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite message store: scan message")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite message store: iterate messages")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (ConversationRecord, error) {
	var (
		record              ConversationRecord
		createdMs, activeMs int64
	)
	if err := r.Scan(&record.ID, &record.Title, &createdMs, &activeMs, &record.MessageCount); err != nil {
		return ConversationRecord{}, err
	}
	record.CreatedAt = time.UnixMilli(createdMs).UTC()
	record.LastActivity = time.UnixMilli(activeMs).UTC()
	return record, nil
}

func scanMessage(r rowScanner) (chatsync.Message, error) {
	var (
		m         chatsync.Message
		sender    string
		createdMs int64
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &m.LocalID, &sender, &m.Content, &createdMs); err != nil {
		return chatsync.Message{}, err
	}
	m.SenderType = chatsync.SenderType(sender)
	m.CreatedAt = time.UnixMilli(createdMs).UTC()
	return m, nil
}
