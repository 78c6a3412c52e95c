package convstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// Every backend must pass the same behavioral suite.
func withBackends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SQLitePath = filepath.Join(t.TempDir(), "conv.db")
		s, err := Open(cfg)
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})

	t.Run("document", func(t *testing.T) {
		s, err := Open(DefaultConfig())
		if err != nil {
			t.Fatalf("open document: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})

	if dsn := os.Getenv("ORAGATE_TEST_POSTGRES_DSN"); dsn != "" {
		t.Run("postgres", func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.PostgresDSN = dsn
			s, err := Open(cfg)
			if err != nil {
				t.Fatalf("open postgres: %v", err)
			}
			defer s.Close()
			fn(t, s)
		})
	}
}

func mustConversation(t *testing.T, s Store, ctx context.Context) (userID, convID string) {
	t.Helper()
	userID, err := s.EnsureUser(ctx, "ext-"+t.Name())
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	sessID, err := s.EnsureSession(ctx, userID, "srv-1", "")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	convID, err = s.CreateConversation(ctx, userID, sessID, "test chat", 0)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return userID, convID
}

func TestEnsureUserIdempotent(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.EnsureUser(ctx, "alice")
		if err != nil {
			t.Fatalf("EnsureUser: %v", err)
		}
		b, err := s.EnsureUser(ctx, "alice")
		if err != nil {
			t.Fatalf("EnsureUser again: %v", err)
		}
		if a != b {
			t.Errorf("same external id produced two users: %s, %s", a, b)
		}

		anon1, _ := s.EnsureUser(ctx, "")
		anon2, _ := s.EnsureUser(ctx, "")
		if anon1 == anon2 {
			t.Error("anonymous users share an id")
		}
	})
}

func TestAppendIdempotentByClientID(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, convID := mustConversation(t, s, ctx)

		p := AppendParams{ConversationID: convID, Role: RoleUser, Content: "hello", ClientID: "c-1"}
		id1, err := s.AppendMessage(ctx, p)
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		id2, err := s.AppendMessage(ctx, p)
		if err != nil {
			t.Fatalf("AppendMessage retry: %v", err)
		}
		if id1 != id2 {
			t.Errorf("retry created a second message: %s, %s", id1, id2)
		}

		msgs, err := s.GetMessages(ctx, convID, 0, 0)
		if err != nil {
			t.Fatalf("GetMessages: %v", err)
		}
		if len(msgs) != 1 {
			t.Errorf("got %d messages, want 1", len(msgs))
		}
	})
}

func TestAppendContentDedupWithoutClientID(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, convID := mustConversation(t, s, ctx)

		p := AppendParams{ConversationID: convID, Role: RoleAssistant, Content: "same answer"}
		id1, err := s.AppendMessage(ctx, p)
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		id2, err := s.AppendMessage(ctx, p)
		if err != nil {
			t.Fatalf("AppendMessage duplicate: %v", err)
		}
		if id1 != id2 {
			t.Errorf("exact duplicate not deduplicated: %s, %s", id1, id2)
		}

		// different content is a new message
		p.Content = "different answer"
		id3, err := s.AppendMessage(ctx, p)
		if err != nil {
			t.Fatalf("AppendMessage different: %v", err)
		}
		if id3 == id1 {
			t.Error("distinct content collapsed into one message")
		}
	})
}

func TestConcurrentAppendsDistinctContent(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, convID := mustConversation(t, s, ctx)

		const writers = 16
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = s.AppendMessage(ctx, AppendParams{
					ConversationID: convID,
					Role:           RoleUser,
					Content:        fmt.Sprintf("message %d", i),
				})
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}

		msgs, err := s.GetMessages(ctx, convID, 0, 0)
		if err != nil {
			t.Fatalf("GetMessages: %v", err)
		}
		if len(msgs) != writers {
			t.Errorf("stored %d messages, want %d", len(msgs), writers)
		}
	})
}

func TestConcurrentAppendsSameClientID(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, convID := mustConversation(t, s, ctx)

		const writers = 8
		ids := make([]string, writers)
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ids[i], errs[i] = s.AppendMessage(ctx, AppendParams{
					ConversationID: convID,
					Role:           RoleUser,
					Content:        "exactly once",
					ClientID:       "race-1",
				})
			}(i)
		}
		wg.Wait()
		for i := 0; i < writers; i++ {
			if errs[i] != nil {
				t.Fatalf("append %d: %v", i, errs[i])
			}
			if ids[i] != ids[0] {
				t.Errorf("append %d returned %s, append 0 returned %s", i, ids[i], ids[0])
			}
		}

		msgs, err := s.GetMessages(ctx, convID, 0, 0)
		if err != nil {
			t.Fatalf("GetMessages: %v", err)
		}
		if len(msgs) != 1 {
			t.Errorf("got %d messages, want 1", len(msgs))
		}
	})
}

func TestAppendValidation(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, convID := mustConversation(t, s, ctx)

		cases := []AppendParams{
			{ConversationID: "", Role: RoleUser, Content: "x"},
			{ConversationID: convID, Role: "robot", Content: "x"},
			{ConversationID: convID, Role: RoleUser, Content: ""},
		}
		for _, p := range cases {
			if _, err := s.AppendMessage(ctx, p); err == nil {
				t.Errorf("invalid params accepted: %+v", p)
			}
		}

		// missing conversation
		p := AppendParams{ConversationID: newID(), Role: RoleUser, Content: "x"}
		if _, err := s.AppendMessage(ctx, p); !errors.Is(err, ErrNotFound) {
			t.Errorf("append to missing conversation = %v, want ErrNotFound", err)
		}
	})
}

func TestAppendBumpsConversationUpdatedAt(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, convID := mustConversation(t, s, ctx)

		before, _, err := s.GetConversation(ctx, convID)
		if err != nil {
			t.Fatalf("GetConversation: %v", err)
		}
		time.Sleep(10 * time.Millisecond)

		if _, err := s.AppendMessage(ctx, AppendParams{ConversationID: convID, Role: RoleUser, Content: "ping"}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		after, _, err := s.GetConversation(ctx, convID)
		if err != nil {
			t.Fatalf("GetConversation: %v", err)
		}
		if !after.UpdatedAt.After(before.UpdatedAt) {
			t.Errorf("updated_at not bumped: %v -> %v", before.UpdatedAt, after.UpdatedAt)
		}
	})
}

func TestMessageOrderingAndPaging(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, convID := mustConversation(t, s, ctx)

		contents := []string{"first", "second", "third", "fourth"}
		for _, c := range contents {
			if _, err := s.AppendMessage(ctx, AppendParams{ConversationID: convID, Role: RoleUser, Content: c}); err != nil {
				t.Fatalf("AppendMessage(%s): %v", c, err)
			}
			time.Sleep(2 * time.Millisecond) // distinct timestamps
		}

		msgs, err := s.GetMessages(ctx, convID, 0, 0)
		if err != nil {
			t.Fatalf("GetMessages: %v", err)
		}
		if len(msgs) != len(contents) {
			t.Fatalf("got %d messages, want %d", len(msgs), len(contents))
		}
		for i, c := range contents {
			if msgs[i].Content != c {
				t.Errorf("message %d = %q, want %q", i, msgs[i].Content, c)
			}
		}

		page, err := s.GetMessages(ctx, convID, 2, 1)
		if err != nil {
			t.Fatalf("GetMessages page: %v", err)
		}
		if len(page) != 2 || page[0].Content != "second" || page[1].Content != "third" {
			t.Errorf("page = %+v", page)
		}

		// offset applies even without a limit
		tail, err := s.GetMessages(ctx, convID, 0, 2)
		if err != nil {
			t.Fatalf("GetMessages tail: %v", err)
		}
		if len(tail) != 2 || tail[0].Content != "third" || tail[1].Content != "fourth" {
			t.Errorf("offset without limit = %+v", tail)
		}
	})
}

func TestConversationListOrdering(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		userID, _ := mustConversation(t, s, ctx)

		older, err := s.CreateConversation(ctx, userID, "", "older", 0)
		if err != nil {
			t.Fatalf("CreateConversation: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
		newer, err := s.CreateConversation(ctx, userID, "", "newer", 0)
		if err != nil {
			t.Fatalf("CreateConversation: %v", err)
		}

		convs, err := s.GetConversationsForUser(ctx, userID)
		if err != nil {
			t.Fatalf("GetConversationsForUser: %v", err)
		}
		if len(convs) < 2 {
			t.Fatalf("got %d conversations", len(convs))
		}
		if convs[0].ID != newer {
			t.Errorf("newest not first: %+v", convs[0])
		}

		// touching the older one moves it to the front
		time.Sleep(5 * time.Millisecond)
		if _, err := s.AppendMessage(ctx, AppendParams{ConversationID: older, Role: RoleUser, Content: "bump"}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		convs, _ = s.GetConversationsForUser(ctx, userID)
		if convs[0].ID != older {
			t.Errorf("touched conversation not first: %+v", convs[0])
		}
	})
}

func TestUpdateConversation(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, convID := mustConversation(t, s, ctx)

		title := "renamed"
		status := StatusArchived
		tags := `["work","oracle"]`
		if err := s.UpdateConversation(ctx, convID, ConversationUpdate{Title: &title, Status: &status, Tags: &tags}); err != nil {
			t.Fatalf("UpdateConversation: %v", err)
		}
		c, _, err := s.GetConversation(ctx, convID)
		if err != nil {
			t.Fatalf("GetConversation: %v", err)
		}
		if c.Title != title || c.Status != status || c.Tags != tags {
			t.Errorf("conversation = %+v", c)
		}

		if err := s.UpdateConversation(ctx, newID(), ConversationUpdate{Title: &title}); !errors.Is(err, ErrNotFound) {
			t.Errorf("update missing = %v, want ErrNotFound", err)
		}
	})
}

func TestUpdateMessage(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, convID := mustConversation(t, s, ctx)

		id, err := s.AppendMessage(ctx, AppendParams{ConversationID: convID, Role: RoleAssistant, Content: "draft"})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}

		content := "final"
		status := "edited"
		if err := s.UpdateMessage(ctx, id, MessageUpdate{Content: &content, Status: &status}); err != nil {
			t.Fatalf("UpdateMessage: %v", err)
		}
		msgs, _ := s.GetMessages(ctx, convID, 0, 0)
		if len(msgs) != 1 || msgs[0].Content != "final" || msgs[0].Status != "edited" {
			t.Errorf("messages = %+v", msgs)
		}

		if err := s.UpdateMessage(ctx, newID(), MessageUpdate{Content: &content}); !errors.Is(err, ErrNotFound) {
			t.Errorf("update missing = %v, want ErrNotFound", err)
		}
	})
}

func TestDeleteConversationCascades(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, convID := mustConversation(t, s, ctx)

		if _, err := s.AppendMessage(ctx, AppendParams{ConversationID: convID, Role: RoleUser, Content: "to be deleted"}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if err := s.DeleteConversation(ctx, convID); err != nil {
			t.Fatalf("DeleteConversation: %v", err)
		}
		if _, _, err := s.GetConversation(ctx, convID); !errors.Is(err, ErrNotFound) {
			t.Errorf("deleted conversation still readable: %v", err)
		}
		msgs, err := s.GetMessages(ctx, convID, 0, 0)
		if err != nil {
			t.Fatalf("GetMessages: %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("%d messages survived the cascade", len(msgs))
		}

		if err := s.DeleteConversation(ctx, convID); !errors.Is(err, ErrNotFound) {
			t.Errorf("double delete = %v, want ErrNotFound", err)
		}
	})
}

func TestSearchScopedToOwner(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice, aliceConv := mustConversation(t, s, ctx)

		bob, err := s.EnsureUser(ctx, "bob-"+t.Name())
		if err != nil {
			t.Fatalf("EnsureUser: %v", err)
		}
		bobConv, err := s.CreateConversation(ctx, bob, "", "bob chat", 0)
		if err != nil {
			t.Fatalf("CreateConversation: %v", err)
		}

		if _, err := s.AppendMessage(ctx, AppendParams{ConversationID: aliceConv, Role: RoleUser, Content: "the zebra question"}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if _, err := s.AppendMessage(ctx, AppendParams{ConversationID: bobConv, Role: RoleUser, Content: "another zebra question"}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}

		hits, err := s.SearchMessages(ctx, alice, "zebra", 10, 0)
		if err != nil {
			t.Fatalf("SearchMessages: %v", err)
		}
		if len(hits) != 1 {
			t.Fatalf("got %d hits, want 1: %+v", len(hits), hits)
		}
		if hits[0].ConversationID != aliceConv {
			t.Errorf("hit leaked from another owner: %+v", hits[0])
		}
		if !strings.Contains(hits[0].Snippet, "zebra") {
			t.Errorf("snippet = %q", hits[0].Snippet)
		}
	})
}

func TestSearchSnippetTruncation(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		userID, convID := mustConversation(t, s, ctx)

		long := "needle " + strings.Repeat("padding ", 50)
		if _, err := s.AppendMessage(ctx, AppendParams{ConversationID: convID, Role: RoleUser, Content: long}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		hits, err := s.SearchMessages(ctx, userID, "needle", 10, 0)
		if err != nil {
			t.Fatalf("SearchMessages: %v", err)
		}
		if len(hits) != 1 {
			t.Fatalf("got %d hits", len(hits))
		}
		if len(hits[0].Snippet) > snippetLen+3 {
			t.Errorf("snippet too long: %d chars", len(hits[0].Snippet))
		}
		if !strings.HasSuffix(hits[0].Snippet, "...") {
			t.Errorf("long snippet missing ellipsis: %q", hits[0].Snippet)
		}
	})
}

func TestUpsertConversationHistory(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		userID, err := s.EnsureUser(ctx, "importer-"+t.Name())
		if err != nil {
			t.Fatalf("EnsureUser: %v", err)
		}

		convID := newID()
		batch := []ImportConversation{{
			ID:    convID,
			Title: "imported",
			Messages: []ImportMessage{
				{Role: RoleUser, Content: "q1"},
				{Role: RoleAssistant, Content: "a1"},
			},
		}}
		if err := s.UpsertConversationHistory(ctx, userID, batch); err != nil {
			t.Fatalf("UpsertConversationHistory: %v", err)
		}

		c, msgs, err := s.GetConversation(ctx, convID)
		if err != nil {
			t.Fatalf("GetConversation: %v", err)
		}
		if c.Title != "imported" || c.Status != StatusActive {
			t.Errorf("conversation = %+v", c)
		}
		if len(msgs) != 2 {
			t.Errorf("got %d messages, want 2", len(msgs))
		}

		// re-import updates the title, keeps messages intact
		batch[0].Title = "imported v2"
		if err := s.UpsertConversationHistory(ctx, userID, batch); err != nil {
			t.Fatalf("re-import: %v", err)
		}
		c, msgs, _ = s.GetConversation(ctx, convID)
		if c.Title != "imported v2" {
			t.Errorf("title not updated: %q", c.Title)
		}
		// messages without stable ids get new ones on re-import, which
		// is acceptable; with stable ids nothing duplicates
		if len(msgs) < 2 {
			t.Errorf("messages lost on re-import: %d", len(msgs))
		}

		if err := s.UpsertConversationHistory(ctx, userID, []ImportConversation{{Title: "no id"}}); err == nil {
			t.Error("import without conversation id accepted")
		}
	})
}

func TestUpsertHistoryStableMessageIDs(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		userID, err := s.EnsureUser(ctx, "stable-"+t.Name())
		if err != nil {
			t.Fatalf("EnsureUser: %v", err)
		}
		convID := newID()
		msgID := newID()
		batch := []ImportConversation{{
			ID:       convID,
			Title:    "stable",
			Messages: []ImportMessage{{ID: msgID, Role: RoleUser, Content: "once"}},
		}}
		for i := 0; i < 3; i++ {
			if err := s.UpsertConversationHistory(ctx, userID, batch); err != nil {
				t.Fatalf("import %d: %v", i, err)
			}
		}
		msgs, err := s.GetMessages(ctx, convID, 0, 0)
		if err != nil {
			t.Fatalf("GetMessages: %v", err)
		}
		if len(msgs) != 1 {
			t.Errorf("got %d messages, want 1", len(msgs))
		}
	})
}

func TestKVRoundTrip(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := map[string]any{"schema_version": float64(3), "note": "hi"}
		if err := s.SetKV(ctx, "meta", in); err != nil {
			t.Fatalf("SetKV: %v", err)
		}
		var out map[string]any
		if err := s.GetKV(ctx, "meta", &out); err != nil {
			t.Fatalf("GetKV: %v", err)
		}
		if out["note"] != "hi" || out["schema_version"] != float64(3) {
			t.Errorf("kv round trip = %+v", out)
		}

		// overwrite
		if err := s.SetKV(ctx, "meta", "replaced"); err != nil {
			t.Fatalf("SetKV overwrite: %v", err)
		}
		var str string
		if err := s.GetKV(ctx, "meta", &str); err != nil || str != "replaced" {
			t.Errorf("overwrite = %q, %v", str, err)
		}

		if err := s.GetKV(ctx, "missing", &str); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing key = %v, want ErrNotFound", err)
		}
	})
}

func TestRetentionPurge(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		userID, keeper := mustConversation(t, s, ctx)

		expiring, err := s.CreateConversation(ctx, userID, "", "short lived", 7)
		if err != nil {
			t.Fatalf("CreateConversation: %v", err)
		}
		if _, err := s.AppendMessage(ctx, AppendParams{ConversationID: expiring, Role: RoleUser, Content: "bye"}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}

		// before expiry nothing is purged
		n, err := s.PurgeExpired(ctx, time.Now())
		if err != nil {
			t.Fatalf("PurgeExpired: %v", err)
		}
		if n != 0 {
			t.Errorf("purged %d before expiry", n)
		}

		n, err = s.PurgeExpired(ctx, time.Now().AddDate(0, 0, 8))
		if err != nil {
			t.Fatalf("PurgeExpired: %v", err)
		}
		if n != 1 {
			t.Errorf("purged %d, want 1", n)
		}
		if _, _, err := s.GetConversation(ctx, expiring); !errors.Is(err, ErrNotFound) {
			t.Errorf("expired conversation survived: %v", err)
		}
		if _, _, err := s.GetConversation(ctx, keeper); err != nil {
			t.Errorf("unexpired conversation purged: %v", err)
		}
	})
}

func TestBackendName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "conv.db")
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	if s.Backend() != "sqlite" {
		t.Errorf("Backend() = %q", s.Backend())
	}

	mem, err := Open(DefaultConfig())
	if err != nil {
		t.Fatalf("open fallback: %v", err)
	}
	defer mem.Close()
	if mem.Backend() != "document-memory" {
		t.Errorf("Backend() = %q", mem.Backend())
	}
}
