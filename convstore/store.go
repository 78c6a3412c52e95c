// Conversation store - one persistence API for chat history over three
// interchangeable backends (embedded SQLite, networked Postgres,
// document-oriented Badger), selected once at startup.

package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSnapshotUnsupported is returned by backends whose backups are
	// handled by external tooling.
	ErrSnapshotUnsupported = errors.New("snapshot not supported by this backend")
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation statuses.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

type User struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ServerID  string    `json:"server_id,omitempty"`
	Metadata  string    `json:"metadata,omitempty"` // JSON blob
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Title     string     `json:"title"`
	Status    string     `json:"status"` // active | archived
	Tags      string     `json:"tags,omitempty"` // JSON array
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // system | user | assistant
	Content        string    `json:"content"`
	Tokens         int       `json:"tokens,omitempty"`
	ClientID       string    `json:"client_id,omitempty"` // idempotency key
	Trace          string    `json:"trace,omitempty"`     // JSON blob
	Status         string    `json:"status,omitempty"`
	Metadata       string    `json:"metadata,omitempty"` // JSON blob
	CreatedAt      time.Time `json:"created_at"`
}

// Preview is a search hit: owner-scoped, content trimmed to a snippet.
type Preview struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Role           string    `json:"role"`
	Snippet        string    `json:"snippet"`
	CreatedAt      time.Time `json:"created_at"`
}

// AppendParams carries one message append.
type AppendParams struct {
	ConversationID string
	Role           string
	Content        string
	Tokens         int
	ClientID       string // optional idempotency key
	Trace          string // optional JSON blob
}

func (p AppendParams) validate() error {
	if p.ConversationID == "" {
		return fmt.Errorf("conversation id required")
	}
	switch p.Role {
	case RoleSystem, RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("invalid role %q", p.Role)
	}
	if p.Content == "" {
		return fmt.Errorf("content required")
	}
	return nil
}

// ConversationUpdate applies only its non-nil fields.
type ConversationUpdate struct {
	Title     *string
	Status    *string
	Tags      *string
	ExpiresAt *time.Time
}

// MessageUpdate applies only its non-nil fields.
type MessageUpdate struct {
	Content  *string
	Tokens   *int
	Status   *string
	Metadata *string
}

// ImportConversation is one unit of a bulk client-side sync.
type ImportConversation struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Title     string          `json:"title"`
	Status    string          `json:"status,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Messages  []ImportMessage `json:"messages"`
}

type ImportMessage struct {
	ID        string    `json:"id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence contract every backend satisfies with
// identical external semantics: idempotent append, ownership,
// retention, backup.
type Store interface {
	// EnsureUser upserts a user keyed on external identity and returns
	// the existing id when present. An empty externalID always creates
	// a fresh anonymous user.
	EnsureUser(ctx context.Context, externalID string) (string, error)
	// EnsureSession always creates a new session row.
	EnsureSession(ctx context.Context, userID, serverID, metadata string) (string, error)
	// CreateConversation sets an expiry when retentionDays > 0.
	CreateConversation(ctx context.Context, userID, sessionID, title string, retentionDays int) (string, error)
	// AppendMessage is idempotent by ClientID when provided; otherwise
	// it deduplicates on exact (conversation, role, content). Always
	// bumps the parent conversation's updated_at.
	AppendMessage(ctx context.Context, p AppendParams) (string, error)
	GetConversation(ctx context.Context, id string) (*Conversation, []Message, error)
	// GetMessages returns a conversation's messages in creation order.
	// A non-positive limit means unbounded; offset applies either way.
	GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error)
	// GetConversationsForUser lists summaries ordered most-recently-updated first.
	GetConversationsForUser(ctx context.Context, userID string) ([]Conversation, error)
	UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error
	UpdateMessage(ctx context.Context, id string, upd MessageUpdate) error
	// DeleteConversation cascades to messages.
	DeleteConversation(ctx context.Context, id string) error
	// SearchMessages is restricted to conversations owned by userID.
	SearchMessages(ctx context.Context, userID, query string, limit, offset int) ([]Preview, error)
	// UpsertConversationHistory imports in a single transaction per
	// call, aborting on any partial failure.
	UpsertConversationHistory(ctx context.Context, userID string, convs []ImportConversation) error
	SetKV(ctx context.Context, key string, value any) error
	GetKV(ctx context.Context, key string, out any) error
	// PurgeExpired deletes conversations (and their messages) whose
	// expiry has passed; returns the number of conversations removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	// Snapshot writes a consistent point-in-time copy into dir and
	// returns the snapshot path.
	Snapshot(ctx context.Context, dir string) (string, error)
	Backend() string
	Close() error
}

// Config selects and tunes the backend. Selection is explicit, in
// priority order: SQLitePath, then PostgresDSN, then BadgerDir, then an
// in-memory document store.
type Config struct {
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	BadgerDir   string `yaml:"badger_dir"`

	MaxOpenConns    int           `yaml:"max_open_conns"`    // default: 4
	MaxIdleConns    int           `yaml:"max_idle_conns"`    // default: 4
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"` // default: 5m
	WalMode         bool          `yaml:"wal_mode"`          // default: true
	SyncMode        string        `yaml:"sync_mode"`         // default: NORMAL
	SnapshotKeep    int           `yaml:"snapshot_keep"`     // default: 5
}

// DefaultConfig returns defaults with no backend selected (callers set
// exactly one path/DSN).
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    4,
		MaxIdleConns:    4,
		ConnMaxLifetime: 5 * time.Minute,
		WalMode:         true,
		SyncMode:        "NORMAL",
		SnapshotKeep:    5,
	}
}

// Open selects the configured backend. With nothing configured it falls
// back to an in-memory document store so the rest of the system keeps
// working without persistence.
func Open(cfg Config) (Store, error) {
	switch {
	case cfg.SQLitePath != "":
		log.Printf("[Store] backend: sqlite (%s)", cfg.SQLitePath)
		return openSQLite(cfg)
	case cfg.PostgresDSN != "":
		log.Printf("[Store] backend: postgres")
		return openPostgres(cfg)
	case cfg.BadgerDir != "":
		log.Printf("[Store] backend: document (%s)", cfg.BadgerDir)
		return openDocument(cfg, false)
	default:
		log.Printf("[WARN] Store: no backend configured, using in-memory document store")
		return openDocument(cfg, true)
	}
}

func newID() string {
	return uuid.NewString()
}

// KV values cross backends as JSON text.
func marshalKV(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode kv value: %w", err)
	}
	return string(data), nil
}

func unmarshalKV(data string, out any) error {
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("decode kv value: %w", err)
	}
	return nil
}

func expiryFor(now time.Time, retentionDays int) *time.Time {
	if retentionDays <= 0 {
		return nil
	}
	t := now.AddDate(0, 0, retentionDays)
	return &t
}

const snippetLen = 160

func snippet(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= snippetLen {
		return content
	}
	cut := content[:snippetLen]
	// don't split a multi-byte rune
	for len(cut) > 0 && !strings.HasSuffix(cut, " ") && cut[len(cut)-1] >= 0x80 {
		cut = cut[:len(cut)-1]
	}
	return cut + "..."
}

// pruneSnapshots keeps the newest `keep` files matching prefix in dir.
func pruneSnapshots(dir, prefix string, keep int) {
	if keep <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return
	}
	sort.Strings(names) // timestamped names sort chronologically
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			log.Printf("[WARN] Store: prune snapshot %s: %v", name, err)
		}
	}
}

func snapshotName(prefix, ext string, now time.Time) string {
	return fmt.Sprintf("%s-%s.%s", prefix, now.UTC().Format("20060102T150405"), ext)
}
