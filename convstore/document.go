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
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// documentStore is the embedded document-oriented backend. Entities are
// JSON documents under typed key prefixes; secondary lookups (external
// user id, client message id, per-user conversation list) are separate
// index keys written in the same transaction as the primary document.
//
// Key layout:
//
//	user:<id>                       user document
//	userext:<externalID>            -> user id
//	sess:<id>                       session document
//	conv:<id>                       conversation document
//	convuser:<userID>:<convID>      ownership index
//	msg:<convID>:<seq>:<id>         message document, seq orders by time
//	msgid:<id>                      -> full message key
//	msgclient:<clientID>            -> message id
//	kv:<key>                        opaque JSON value
type documentStore struct {
	db     *badger.DB
	memory bool
	keep   int

	closedMu sync.RWMutex
	closed   bool
}

func openDocument(cfg Config, memory bool) (*documentStore, error) {
	var opts badger.Options
	if memory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.BadgerDir, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.BadgerDir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	if memory {
		log.Printf("[OK] Store: in-memory document store")
	} else {
		log.Printf("[OK] Store: document store at %s", cfg.BadgerDir)
	}
	return &documentStore{db: db, memory: memory, keep: cfg.SnapshotKeep}, nil
}

func (s *documentStore) Backend() string {
	if s.memory {
		return "document-memory"
	}
	return "document"
}

func (s *documentStore) Close() error {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *documentStore) guard() error {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	if s.closed {
		return fmt.Errorf("document store is closed")
	}
	return nil
}

const conflictRetries = 32

// update runs fn in a read-write transaction, retrying when badger's
// optimistic concurrency control aborts it. fn re-runs from scratch on
// every attempt, so its reads, including dedup checks, stay current.
func (s *documentStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflict persisted after %d attempts: %w", conflictRetries, err)
}

func prefixIterOpts(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	return opts
}

func keyOnlyIterOpts(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	return opts
}

const msgSeqDigits = 20

func msgKey(convID string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("msg:%s:%0*d:%s", convID, msgSeqDigits, at.UTC().UnixNano(), id))
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if err != nil {
		return "", err
	}
	var out string
	err = item.Value(func(val []byte) error {
		out = string(val)
		return nil
	})
	return out, err
}

func (s *documentStore) EnsureUser(ctx context.Context, externalID string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	var id string
	err := s.update(func(txn *badger.Txn) error {
		if externalID != "" {
			existing, err := getString(txn, []byte("userext:"+externalID))
			if err == nil {
				id = existing
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		id = newID()
		u := User{ID: id, ExternalID: externalID, CreatedAt: time.Now().UTC()}
		if err := putJSON(txn, []byte("user:"+id), u); err != nil {
			return err
		}
		if externalID != "" {
			return txn.Set([]byte("userext:"+externalID), []byte(id))
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ensure user: %w", err)
	}
	return id, nil
}

func (s *documentStore) EnsureSession(ctx context.Context, userID, serverID, metadata string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	if userID == "" {
		return "", fmt.Errorf("user id required")
	}
	id := newID()
	sess := Session{ID: id, UserID: userID, ServerID: serverID, Metadata: metadata, CreatedAt: time.Now().UTC()}
	err := s.update(func(txn *badger.Txn) error {
		return putJSON(txn, []byte("sess:"+id), sess)
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *documentStore) CreateConversation(ctx context.Context, userID, sessionID, title string, retentionDays int) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	id := newID()
	now := time.Now().UTC()
	c := Conversation{
		ID:        id,
		UserID:    userID,
		SessionID: sessionID,
		Title:     title,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiryFor(now, retentionDays),
	}
	err := s.update(func(txn *badger.Txn) error {
		if err := putJSON(txn, []byte("conv:"+id), c); err != nil {
			return err
		}
		if userID != "" {
			return txn.Set([]byte("convuser:"+userID+":"+id), nil)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

func (s *documentStore) AppendMessage(ctx context.Context, p AppendParams) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	if err := p.validate(); err != nil {
		return "", err
	}
	now := time.Now().UTC()

	var id string
	err := s.update(func(txn *badger.Txn) error {
		// idempotency: client key first, exact-content fallback second
		if p.ClientID != "" {
			existing, err := getString(txn, []byte("msgclient:"+p.ClientID))
			if err == nil {
				id = existing
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		} else {
			dup, err := findByContent(txn, p.ConversationID, p.Role, p.Content)
			if err != nil {
				return err
			}
			if dup != "" {
				id = dup
				return nil
			}
		}

		var c Conversation
		if err := getJSON(txn, []byte("conv:"+p.ConversationID), &c); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("conversation %s: %w", p.ConversationID, ErrNotFound)
			}
			return err
		}

		id = newID()
		m := Message{
			ID:             id,
			ConversationID: p.ConversationID,
			Role:           p.Role,
			Content:        p.Content,
			Tokens:         p.Tokens,
			ClientID:       p.ClientID,
			Trace:          p.Trace,
			CreatedAt:      now,
		}
		key := msgKey(p.ConversationID, now, id)
		if err := putJSON(txn, key, m); err != nil {
			return err
		}
		if err := txn.Set([]byte("msgid:"+id), key); err != nil {
			return err
		}
		if p.ClientID != "" {
			if err := txn.Set([]byte("msgclient:"+p.ClientID), []byte(id)); err != nil {
				return err
			}
		}

		c.UpdatedAt = now
		return putJSON(txn, []byte("conv:"+c.ID), c)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func findByContent(txn *badger.Txn, convID, role, content string) (string, error) {
	prefix := []byte("msg:" + convID + ":")
	it := txn.NewIterator(prefixIterOpts(prefix))
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var m Message
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
		if err != nil {
			return "", err
		}
		if m.Role == role && m.Content == content {
			return m.ID, nil
		}
	}
	return "", nil
}

func (s *documentStore) GetConversation(ctx context.Context, id string) (*Conversation, []Message, error) {
	if err := s.guard(); err != nil {
		return nil, nil, err
	}
	var c Conversation
	var msgs []Message
	err := s.db.View(func(txn *badger.Txn) error {
		if err := getJSON(txn, []byte("conv:"+id), &c); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
			}
			return err
		}
		var err error
		msgs, err = messagesInTxn(txn, id, 0, 0)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return &c, msgs, nil
}

func messagesInTxn(txn *badger.Txn, convID string, limit, offset int) ([]Message, error) {
	prefix := []byte("msg:" + convID + ":")
	it := txn.NewIterator(prefixIterOpts(prefix))
	defer it.Close()

	msgs := make([]Message, 0)
	skipped := 0
	for it.Rewind(); it.Valid(); it.Next() {
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(msgs) >= limit {
			break
		}
		var m Message
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *documentStore) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var msgs []Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		msgs, err = messagesInTxn(txn, conversationID, limit, offset)
		return err
	})
	return msgs, err
}

func (s *documentStore) GetConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	convs := make([]Conversation, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("convuser:" + userID + ":")
		it := txn.NewIterator(keyOnlyIterOpts(prefix))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			convID := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			var c Conversation
			if err := getJSON(txn, []byte("conv:"+convID), &c); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue // stale index entry
				}
				return err
			}
			convs = append(convs, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

func (s *documentStore) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		var c Conversation
		if err := getJSON(txn, []byte("conv:"+id), &c); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
			}
			return err
		}
		if upd.Title != nil {
			c.Title = *upd.Title
		}
		if upd.Status != nil {
			c.Status = *upd.Status
		}
		if upd.Tags != nil {
			c.Tags = *upd.Tags
		}
		if upd.ExpiresAt != nil {
			t := *upd.ExpiresAt
			c.ExpiresAt = &t
		}
		c.UpdatedAt = time.Now().UTC()
		return putJSON(txn, []byte("conv:"+id), c)
	})
}

func (s *documentStore) UpdateMessage(ctx context.Context, id string, upd MessageUpdate) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		key, err := getString(txn, []byte("msgid:"+id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("message %s: %w", id, ErrNotFound)
			}
			return err
		}
		var m Message
		if err := getJSON(txn, []byte(key), &m); err != nil {
			return err
		}
		if upd.Content != nil {
			m.Content = *upd.Content
		}
		if upd.Tokens != nil {
			m.Tokens = *upd.Tokens
		}
		if upd.Status != nil {
			m.Status = *upd.Status
		}
		if upd.Metadata != nil {
			m.Metadata = *upd.Metadata
		}
		return putJSON(txn, []byte(key), m)
	})
}

func (s *documentStore) DeleteConversation(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		var c Conversation
		if err := getJSON(txn, []byte("conv:"+id), &c); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
			}
			return err
		}
		return deleteConversationInTxn(txn, &c)
	})
}

// deleteConversationInTxn removes the conversation document, its
// ownership index and every message with its secondary keys.
func deleteConversationInTxn(txn *badger.Txn, c *Conversation) error {
	prefix := []byte("msg:" + c.ID + ":")
	var msgKeys [][]byte
	var sideKeys [][]byte

	it := txn.NewIterator(prefixIterOpts(prefix))
	for it.Rewind(); it.Valid(); it.Next() {
		var m Message
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
		if err != nil {
			it.Close()
			return err
		}
		msgKeys = append(msgKeys, it.Item().KeyCopy(nil))
		sideKeys = append(sideKeys, []byte("msgid:"+m.ID))
		if m.ClientID != "" {
			sideKeys = append(sideKeys, []byte("msgclient:"+m.ClientID))
		}
	}
	it.Close()

	for _, k := range append(msgKeys, sideKeys...) {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	if c.UserID != "" {
		if err := txn.Delete([]byte("convuser:" + c.UserID + ":" + c.ID)); err != nil {
			return err
		}
	}
	return txn.Delete([]byte("conv:" + c.ID))
}

func (s *documentStore) SearchMessages(ctx context.Context, userID, query string, limit, offset int) ([]Preview, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(query)

	var hits []Preview
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("convuser:" + userID + ":")
		it := txn.NewIterator(keyOnlyIterOpts(prefix))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			convID := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			msgs, err := messagesInTxn(txn, convID, 0, 0)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if strings.Contains(strings.ToLower(m.Content), needle) {
					hits = append(hits, Preview{
						ConversationID: m.ConversationID,
						MessageID:      m.ID,
						Role:           m.Role,
						Snippet:        snippet(m.Content),
						CreatedAt:      m.CreatedAt,
					})
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	if offset >= len(hits) {
		return []Preview{}, nil
	}
	hits = hits[offset:]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *documentStore) UpsertConversationHistory(ctx context.Context, userID string, convs []ImportConversation) error {
	if err := s.guard(); err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.update(func(txn *badger.Txn) error {
		for _, in := range convs {
			if in.ID == "" {
				return fmt.Errorf("import: conversation id required")
			}
			c := Conversation{
				ID:        in.ID,
				UserID:    userID,
				SessionID: in.SessionID,
				Title:     in.Title,
				Status:    in.Status,
				CreatedAt: in.CreatedAt,
				UpdatedAt: in.UpdatedAt,
				ExpiresAt: in.ExpiresAt,
			}
			if c.Status == "" {
				c.Status = StatusActive
			}
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
			if c.UpdatedAt.IsZero() {
				c.UpdatedAt = now
			}

			// preserve original creation time on re-import
			var prev Conversation
			if err := getJSON(txn, []byte("conv:"+in.ID), &prev); err == nil {
				c.CreatedAt = prev.CreatedAt
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			if err := putJSON(txn, []byte("conv:"+in.ID), c); err != nil {
				return fmt.Errorf("import conversation %s: %w", in.ID, err)
			}
			if userID != "" {
				if err := txn.Set([]byte("convuser:"+userID+":"+in.ID), nil); err != nil {
					return err
				}
			}

			for _, im := range in.Messages {
				if im.Role == "" || im.Content == "" {
					return fmt.Errorf("import conversation %s: message role and content required", in.ID)
				}
				id := im.ID
				if id == "" {
					id = newID()
				}
				if _, err := getString(txn, []byte("msgid:"+id)); err == nil {
					continue // already imported
				} else if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				createdAt := im.CreatedAt
				if createdAt.IsZero() {
					createdAt = now
				}
				m := Message{
					ID:             id,
					ConversationID: in.ID,
					Role:           im.Role,
					Content:        im.Content,
					Tokens:         im.Tokens,
					ClientID:       im.ClientID,
					CreatedAt:      createdAt,
				}
				key := msgKey(in.ID, createdAt, id)
				if err := putJSON(txn, key, m); err != nil {
					return fmt.Errorf("import message %s: %w", id, err)
				}
				if err := txn.Set([]byte("msgid:"+id), key); err != nil {
					return err
				}
				if im.ClientID != "" {
					if err := txn.Set([]byte("msgclient:"+im.ClientID), []byte(id)); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

func (s *documentStore) SetKV(ctx context.Context, key string, value any) error {
	if err := s.guard(); err != nil {
		return err
	}
	data, err := marshalKV(value)
	if err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		return txn.Set([]byte("kv:"+key), []byte(data))
	})
}

func (s *documentStore) GetKV(ctx context.Context, key string, out any) error {
	if err := s.guard(); err != nil {
		return err
	}
	var data string
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		data, err = getString(txn, []byte("kv:"+key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("kv %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get kv: %w", err)
	}
	return unmarshalKV(data, out)
}

func (s *documentStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	now = now.UTC()

	// collect first, delete per conversation: keeps each transaction
	// small enough for badger's txn size limit
	var expired []Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIterOpts([]byte("conv:")))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var c Conversation
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			})
			if err != nil {
				return err
			}
			if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
				expired = append(expired, c)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan expired: %w", err)
	}

	purged := 0
	for i := range expired {
		c := expired[i]
		err := s.update(func(txn *badger.Txn) error {
			return deleteConversationInTxn(txn, &c)
		})
		if err != nil {
			return purged, fmt.Errorf("purge conversation %s: %w", c.ID, err)
		}
		purged++
	}
	return purged, nil
}

// Snapshot streams a full badger backup into dir.
func (s *documentStore) Snapshot(ctx context.Context, dir string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}
	name := snapshotName("conversations", "badger", time.Now())
	target := filepath.Join(dir, name)

	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create snapshot file: %w", err)
	}
	if _, err := s.db.Backup(f, 0); err != nil {
		_ = f.Close()
		_ = os.Remove(target)
		return "", fmt.Errorf("snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close snapshot: %w", err)
	}
	pruneSnapshots(dir, "conversations-", s.keep)
	log.Printf("[OK] Store: snapshot %s", target)
	return target, nil
}
