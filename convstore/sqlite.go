package convstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteStore is the embedded file-based backend.
type sqliteStore struct {
	db   *sql.DB
	path string
	keep int

	// prepared statements for the append hot path
	stmtFindByClientID *sql.Stmt
	stmtFindByContent  *sql.Stmt
	stmtInsertMessage  *sql.Stmt
	stmtTouchConv      *sql.Stmt
}

func openSQLite(cfg Config) (*sqliteStore, error) {
	dir := filepath.Dir(cfg.SQLitePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// immediate transactions take the write lock at BEGIN, so a write
	// arriving mid-transaction never fails a deferred lock upgrade
	dsn := cfg.SQLitePath
	if !strings.Contains(dsn, "?") {
		dsn += "?_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if cfg.WalMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL: %w", err)
		}
	}
	syncMode := cfg.SyncMode
	if syncMode == "" {
		syncMode = "NORMAL"
	}
	if _, err := db.Exec("PRAGMA synchronous=" + syncMode + ";"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &sqliteStore{db: db, path: cfg.SQLitePath, keep: cfg.SnapshotKeep}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := s.initPreparedStmts(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	log.Printf("[OK] Store: sqlite database %s", cfg.SQLitePath)
	return s, nil
}

func (s *sqliteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT UNIQUE,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			server_id TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			session_id TEXT,
			title TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			tags TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			expires_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens INTEGER,
			client_id TEXT,
			trace TEXT,
			status TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_expires ON conversations(expires_at) WHERE expires_at IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client ON messages(client_id) WHERE client_id IS NOT NULL`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) initPreparedStmts() error {
	var err error
	if s.stmtFindByClientID, err = s.db.Prepare("SELECT id FROM messages WHERE client_id = ?"); err != nil {
		return fmt.Errorf("FindByClientID: %v", err)
	}
	if s.stmtFindByContent, err = s.db.Prepare("SELECT id FROM messages WHERE conversation_id = ? AND role = ? AND content = ? LIMIT 1"); err != nil {
		return fmt.Errorf("FindByContent: %v", err)
	}
	if s.stmtInsertMessage, err = s.db.Prepare("INSERT INTO messages (id, conversation_id, role, content, tokens, client_id, trace, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(client_id) WHERE client_id IS NOT NULL DO NOTHING"); err != nil {
		return fmt.Errorf("InsertMessage: %v", err)
	}
	if s.stmtTouchConv, err = s.db.Prepare("UPDATE conversations SET updated_at = ? WHERE id = ?"); err != nil {
		return fmt.Errorf("TouchConv: %v", err)
	}
	return nil
}

func (s *sqliteStore) Backend() string { return "sqlite" }

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// nullable maps "" to NULL so sparse unique indexes behave.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (s *sqliteStore) EnsureUser(ctx context.Context, externalID string) (string, error) {
	now := time.Now().UTC()
	if externalID == "" {
		id := newID()
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO users (id, external_id, created_at) VALUES (?, NULL, ?)", id, now)
		if err != nil {
			return "", fmt.Errorf("create user: %w", err)
		}
		return id, nil
	}

	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM users WHERE external_id = ?", externalID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup user: %w", err)
	}

	id = newID()
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, external_id, created_at) VALUES (?, ?, ?) ON CONFLICT(external_id) DO NOTHING",
		id, externalID, now); err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}
	// re-read: a concurrent insert may have won
	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM users WHERE external_id = ?", externalID).Scan(&id); err != nil {
		return "", fmt.Errorf("re-read user: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) EnsureSession(ctx context.Context, userID, serverID, metadata string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id required")
	}
	id := newID()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, user_id, server_id, metadata, created_at) VALUES (?, ?, ?, ?, ?)",
		id, userID, nullable(serverID), nullable(metadata), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) CreateConversation(ctx context.Context, userID, sessionID, title string, retentionDays int) (string, error) {
	id := newID()
	now := time.Now().UTC()
	var expires any
	if e := expiryFor(now, retentionDays); e != nil {
		expires = *e
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, session_id, title, status, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, 'active', ?, ?, ?)`,
		id, nullable(userID), nullable(sessionID), title, now, now, expires)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) AppendMessage(ctx context.Context, p AppendParams) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// idempotency: client key first, exact-content fallback second
	var existing string
	if p.ClientID != "" {
		err = tx.StmtContext(ctx, s.stmtFindByClientID).QueryRowContext(ctx, p.ClientID).Scan(&existing)
	} else {
		err = tx.StmtContext(ctx, s.stmtFindByContent).QueryRowContext(ctx, p.ConversationID, p.Role, p.Content).Scan(&existing)
	}
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("dedup lookup: %w", err)
	}

	id := newID()
	res, err := tx.StmtContext(ctx, s.stmtInsertMessage).ExecContext(ctx,
		id, p.ConversationID, p.Role, p.Content, p.Tokens, nullable(p.ClientID), nullable(p.Trace), now)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// lost a concurrent insert carrying the same client id
		if err := tx.StmtContext(ctx, s.stmtFindByClientID).QueryRowContext(ctx, p.ClientID).Scan(&existing); err != nil {
			return "", fmt.Errorf("idempotent re-read: %w", err)
		}
		return existing, nil
	}

	res, err = tx.StmtContext(ctx, s.stmtTouchConv).ExecContext(ctx, now, p.ConversationID)
	if err != nil {
		return "", fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("conversation %s: %w", p.ConversationID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	var userID, sessionID, title, tags sql.NullString
	var expires sql.NullTime
	if err := row.Scan(&c.ID, &userID, &sessionID, &title, &c.Status, &tags, &c.CreatedAt, &c.UpdatedAt, &expires); err != nil {
		return nil, err
	}
	c.UserID = userID.String
	c.SessionID = sessionID.String
	c.Title = title.String
	c.Tags = tags.String
	if expires.Valid {
		t := expires.Time
		c.ExpiresAt = &t
	}
	return &c, nil
}

const convColumns = "id, user_id, session_id, title, status, tags, created_at, updated_at, expires_at"

func (s *sqliteStore) GetConversation(ctx context.Context, id string) (*Conversation, []Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+convColumns+" FROM conversations WHERE id = ?", id)
	c, err := s.scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get conversation: %w", err)
	}
	msgs, err := s.GetMessages(ctx, id, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	return c, msgs, nil
}

const msgColumns = "id, conversation_id, role, content, tokens, client_id, trace, status, metadata, created_at"

func scanMessages(rows *sql.Rows) ([]Message, error) {
	msgs := make([]Message, 0)
	for rows.Next() {
		var m Message
		var tokens sql.NullInt64
		var clientID, trace, status, metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &tokens, &clientID, &trace, &status, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Tokens = int(tokens.Int64)
		m.ClientID = clientID.String
		m.Trace = trace.String
		m.Status = status.String
		m.Metadata = metadata.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *sqliteStore) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	q := "SELECT " + msgColumns + " FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC"
	args := []any{conversationID}
	switch {
	case limit > 0:
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	case offset > 0:
		q += " LIMIT -1 OFFSET ?"
		args = append(args, offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *sqliteStore) GetConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+convColumns+" FROM conversations WHERE user_id = ? ORDER BY updated_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]Conversation, 0)
	for rows.Next() {
		c, err := s.scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

func (s *sqliteStore) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if upd.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Tags != nil {
		sets = append(sets, "tags = ?")
		args = append(args, *upd.Tags)
	}
	if upd.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, *upd.ExpiresAt)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) UpdateMessage(ctx context.Context, id string, upd MessageUpdate) error {
	sets := []string{}
	args := []any{}
	if upd.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *upd.Content)
	}
	if upd.Tokens != nil {
		sets = append(sets, "tokens = ?")
		args = append(args, *upd.Tokens)
	}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, *upd.Metadata)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) SearchMessages(ctx context.Context, userID, query string, limit, offset int) ([]Preview, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.conversation_id, m.id, m.role, m.content, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.user_id = ? AND m.content LIKE '%' || ? || '%'
		ORDER BY m.created_at DESC
		LIMIT ? OFFSET ?`, userID, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	previews := make([]Preview, 0)
	for rows.Next() {
		var p Preview
		var content string
		if err := rows.Scan(&p.ConversationID, &p.MessageID, &p.Role, &content, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Snippet = snippet(content)
		previews = append(previews, p)
	}
	return previews, rows.Err()
}

func (s *sqliteStore) UpsertConversationHistory(ctx context.Context, userID string, convs []ImportConversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, c := range convs {
		if c.ID == "" {
			return fmt.Errorf("import: conversation id required")
		}
		status := c.Status
		if status == "" {
			status = StatusActive
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		updatedAt := c.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		var expires any
		if c.ExpiresAt != nil {
			expires = *c.ExpiresAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, user_id, session_id, title, status, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				status = excluded.status,
				updated_at = excluded.updated_at,
				expires_at = excluded.expires_at`,
			c.ID, nullable(userID), nullable(c.SessionID), c.Title, status, createdAt, updatedAt, expires); err != nil {
			return fmt.Errorf("import conversation %s: %w", c.ID, err)
		}

		for _, m := range c.Messages {
			if m.Role == "" || m.Content == "" {
				return fmt.Errorf("import conversation %s: message role and content required", c.ID)
			}
			id := m.ID
			if id == "" {
				id = newID()
			}
			createdAt := m.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO messages (id, conversation_id, role, content, tokens, client_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				id, c.ID, m.Role, m.Content, m.Tokens, nullable(m.ClientID), createdAt); err != nil {
				return fmt.Errorf("import message %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

func (s *sqliteStore) SetKV(ctx context.Context, key string, value any) error {
	data, err := marshalKV(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set kv: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetKV(ctx context.Context, key string, out any) error {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&data)
	if err == sql.ErrNoRows {
		return fmt.Errorf("kv %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get kv: %w", err)
	}
	return unmarshalKV(data, out)
}

func (s *sqliteStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id IN
			(SELECT id FROM conversations WHERE expires_at IS NOT NULL AND expires_at <= ?)`,
		now.UTC()); err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		"DELETE FROM conversations WHERE expires_at IS NOT NULL AND expires_at <= ?", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return int(n), nil
}

// Snapshot produces an atomic point-in-time copy of the database file
// via VACUUM INTO, which is consistent even with writers active in WAL
// mode.
func (s *sqliteStore) Snapshot(ctx context.Context, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}
	name := snapshotName("conversations", "db", time.Now())
	target := filepath.Join(dir, name)
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", target); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	pruneSnapshots(dir, "conversations-", s.keep)
	log.Printf("[OK] Store: snapshot %s", target)
	return target, nil
}
