package convstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresStore is the networked relational backend.
type postgresStore struct {
	pool *pgxpool.Pool
}

func openPostgres(cfg Config) (*postgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	s := &postgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	log.Printf("[OK] Store: postgres pool ready (max %d conns)", pcfg.MaxConns)
	return s, nil
}

func (s *postgresStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT UNIQUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			server_id TEXT,
			metadata TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			session_id TEXT,
			title TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			tags TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens INTEGER,
			client_id TEXT,
			trace TEXT,
			status TEXT,
			metadata TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations(user_id, updated_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client ON messages(client_id) WHERE client_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_messages_content_fts ON messages USING GIN (to_tsvector('simple', content))`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) Backend() string { return "postgres" }

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) EnsureUser(ctx context.Context, externalID string) (string, error) {
	now := time.Now().UTC()
	if externalID == "" {
		id := newID()
		_, err := s.pool.Exec(ctx,
			"INSERT INTO users (id, external_id, created_at) VALUES ($1, NULL, $2)", id, now)
		if err != nil {
			return "", fmt.Errorf("create user: %w", err)
		}
		return id, nil
	}

	var id string
	err := s.pool.QueryRow(ctx,
		"SELECT id FROM users WHERE external_id = $1", externalID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("lookup user: %w", err)
	}

	id = newID()
	if _, err := s.pool.Exec(ctx,
		"INSERT INTO users (id, external_id, created_at) VALUES ($1, $2, $3) ON CONFLICT (external_id) DO NOTHING",
		id, externalID, now); err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}
	if err := s.pool.QueryRow(ctx,
		"SELECT id FROM users WHERE external_id = $1", externalID).Scan(&id); err != nil {
		return "", fmt.Errorf("re-read user: %w", err)
	}
	return id, nil
}

func (s *postgresStore) EnsureSession(ctx context.Context, userID, serverID, metadata string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id required")
	}
	id := newID()
	_, err := s.pool.Exec(ctx,
		"INSERT INTO sessions (id, user_id, server_id, metadata, created_at) VALUES ($1, $2, $3, $4, $5)",
		id, userID, nullable(serverID), nullable(metadata), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *postgresStore) CreateConversation(ctx context.Context, userID, sessionID, title string, retentionDays int) (string, error) {
	id := newID()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, session_id, title, status, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, 'active', $5, $6, $7)`,
		id, nullable(userID), nullable(sessionID), title, now, now, expiryFor(now, retentionDays))
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

func (s *postgresStore) AppendMessage(ctx context.Context, p AppendParams) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing string
	if p.ClientID != "" {
		err = tx.QueryRow(ctx,
			"SELECT id FROM messages WHERE client_id = $1", p.ClientID).Scan(&existing)
	} else {
		err = tx.QueryRow(ctx,
			"SELECT id FROM messages WHERE conversation_id = $1 AND role = $2 AND content = $3 LIMIT 1",
			p.ConversationID, p.Role, p.Content).Scan(&existing)
	}
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("dedup lookup: %w", err)
	}

	id := newID()
	tag, err := tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, tokens, client_id, trace, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (client_id) WHERE client_id IS NOT NULL DO NOTHING`,
		id, p.ConversationID, p.Role, p.Content, p.Tokens, nullable(p.ClientID), nullable(p.Trace), now)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// lost a concurrent insert carrying the same client id
		if err := tx.QueryRow(ctx,
			"SELECT id FROM messages WHERE client_id = $1", p.ClientID).Scan(&existing); err != nil {
			return "", fmt.Errorf("idempotent re-read: %w", err)
		}
		return existing, nil
	}

	tag, err = tx.Exec(ctx,
		"UPDATE conversations SET updated_at = $1 WHERE id = $2", now, p.ConversationID)
	if err != nil {
		return "", fmt.Errorf("touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("conversation %s: %w", p.ConversationID, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (s *postgresStore) scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var userID, sessionID, title, tags *string
	var expires *time.Time
	if err := row.Scan(&c.ID, &userID, &sessionID, &title, &c.Status, &tags, &c.CreatedAt, &c.UpdatedAt, &expires); err != nil {
		return nil, err
	}
	c.UserID = deref(userID)
	c.SessionID = deref(sessionID)
	c.Title = deref(title)
	c.Tags = deref(tags)
	c.ExpiresAt = expires
	return &c, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *postgresStore) GetConversation(ctx context.Context, id string) (*Conversation, []Message, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+convColumns+" FROM conversations WHERE id = $1", id)
	c, err := s.scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *postgresStore) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	q := "SELECT " + msgColumns + " FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC, id ASC"
	args := []any{conversationID}
	switch {
	case limit > 0:
		q += " LIMIT $2 OFFSET $3"
		args = append(args, limit, offset)
	case offset > 0:
		q += " OFFSET $2"
		args = append(args, offset)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0)
	for rows.Next() {
		var m Message
		var tokens *int
		var clientID, trace, status, metadata *string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &tokens, &clientID, &trace, &status, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		if tokens != nil {
			m.Tokens = *tokens
		}
		m.ClientID = deref(clientID)
		m.Trace = deref(trace)
		m.Status = deref(status)
		m.Metadata = deref(metadata)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *postgresStore) GetConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+convColumns+" FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC", userID)
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

func (s *postgresStore) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error {
	sets := []string{"updated_at = $1"}
	args := []any{time.Now().UTC()}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.Tags != nil {
		add("tags", *upd.Tags)
	}
	if upd.ExpiresAt != nil {
		add("expires_at", *upd.ExpiresAt)
	}
	args = append(args, id)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("UPDATE conversations SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *postgresStore) UpdateMessage(ctx context.Context, id string, upd MessageUpdate) error {
	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Content != nil {
		add("content", *upd.Content)
	}
	if upd.Tokens != nil {
		add("tokens", *upd.Tokens)
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.Metadata != nil {
		add("metadata", *upd.Metadata)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("UPDATE messages SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *postgresStore) DeleteConversation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM conversations WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *postgresStore) SearchMessages(ctx context.Context, userID, query string, limit, offset int) ([]Preview, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT m.conversation_id, m.id, m.role, m.content, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.user_id = $1 AND to_tsvector('simple', m.content) @@ plainto_tsquery('simple', $2)
		ORDER BY m.created_at DESC
		LIMIT $3 OFFSET $4`, userID, query, limit, offset)
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

func (s *postgresStore) UpsertConversationHistory(ctx context.Context, userID string, convs []ImportConversation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

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
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversations (id, user_id, session_id, title, status, created_at, updated_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				status = EXCLUDED.status,
				updated_at = EXCLUDED.updated_at,
				expires_at = EXCLUDED.expires_at`,
			c.ID, nullable(userID), nullable(c.SessionID), c.Title, status, createdAt, updatedAt, c.ExpiresAt); err != nil {
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
			if _, err := tx.Exec(ctx, `
				INSERT INTO messages (id, conversation_id, role, content, tokens, client_id, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (id) DO NOTHING`,
				id, c.ID, m.Role, m.Content, m.Tokens, nullable(m.ClientID), createdAt); err != nil {
				return fmt.Errorf("import message %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

func (s *postgresStore) SetKV(ctx context.Context, key string, value any) error {
	data, err := marshalKV(value)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set kv: %w", err)
	}
	return nil
}

func (s *postgresStore) GetKV(ctx context.Context, key string, out any) error {
	var data string
	err := s.pool.QueryRow(ctx, "SELECT value FROM kv WHERE key = $1", key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("kv %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get kv: %w", err)
	}
	return unmarshalKV(data, out)
}

func (s *postgresStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM conversations WHERE expires_at IS NOT NULL AND expires_at <= $1", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge conversations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Snapshot is not implemented for postgres; operators run pg_dump or
// WAL archiving against the server instead.
func (s *postgresStore) Snapshot(ctx context.Context, dir string) (string, error) {
	return "", ErrSnapshotUnsupported
}
