// Cursor registry - bounded streaming cursors for full-dataset
// retrieval across multiple round-trips without materializing results.

package cursor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidCursor is returned for an unknown or already-closed id.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrRegistryFull is returned when the concurrency ceiling is hit.
	// Callers should back off rather than retry immediately.
	ErrRegistryFull = errors.New("cursor registry at capacity")
)

// Config bounds the registry.
type Config struct {
	Capacity        int           `yaml:"capacity"`          // hard ceiling on open cursors (default: 20)
	MinPageSize     int           `yaml:"min_page_size"`     // default: 10
	MaxPageSize     int           `yaml:"max_page_size"`     // default: 5000
	DefaultPageSize int           `yaml:"default_page_size"` // default: 500
	IdleTTL         time.Duration `yaml:"idle_ttl"`          // sweep closes cursors idle this long (default: 2m)
	SweepInterval   time.Duration `yaml:"sweep_interval"`    // default: 30s
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:        20,
		MinPageSize:     10,
		MaxPageSize:     5000,
		DefaultPageSize: 500,
		IdleTTL:         2 * time.Minute,
		SweepInterval:   30 * time.Second,
	}
}

// OpenResult is the first page of a new stream.
type OpenResult struct {
	ID      string           `json:"cursorId"`
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	HasMore bool             `json:"hasMore"`
}

// Page is one subsequent page.
type Page struct {
	Rows    []map[string]any `json:"rows"`
	HasMore bool             `json:"hasMore"`
}

// Info describes an open cursor for operational monitoring.
type Info struct {
	ID           string `json:"id"`
	AgeMs        int64  `json:"ageMs"`
	LastAccessMs int64  `json:"lastAccessMs"`
	PageSize     int    `json:"pageSize"`
}

type entry struct {
	id         string
	src        Source
	cols       []string
	pageSize   int
	createdAt  time.Time
	lastAccess time.Time
	fetchMu    sync.Mutex // paging on one cursor is strictly sequential
}

// Registry owns every open cursor. At most one entry exists per id and
// an id is never reused after close.
type Registry struct {
	cfg    Config
	opener Opener

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	started  bool
	stop     chan struct{}
	done     chan struct{}
}

// New creates a registry over the given opener.
func New(cfg Config, opener Opener) *Registry {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = DefaultConfig().DefaultPageSize
	}
	if cfg.MinPageSize <= 0 {
		cfg.MinPageSize = DefaultConfig().MinPageSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = DefaultConfig().MaxPageSize
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Registry{
		cfg:     cfg,
		opener:  opener,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *Registry) clampPageSize(n int) int {
	if n <= 0 {
		return r.cfg.DefaultPageSize
	}
	if n < r.cfg.MinPageSize {
		return r.cfg.MinPageSize
	}
	if n > r.cfg.MaxPageSize {
		return r.cfg.MaxPageSize
	}
	return n
}

// Open starts a stream: refuses at capacity, executes the statement on
// a dedicated connection, fetches the first page and registers the
// cursor. A first page shorter than pageSize exhausts the stream and
// the cursor is closed before returning.
func (r *Registry) Open(ctx context.Context, query string, binds []any, pageSize int) (*OpenResult, error) {
	pageSize = r.clampPageSize(pageSize)

	r.mu.Lock()
	if len(r.entries) >= r.cfg.Capacity {
		r.mu.Unlock()
		return nil, ErrRegistryFull
	}
	r.mu.Unlock()

	src, err := r.opener(ctx, query, binds)
	if err != nil {
		return nil, err
	}

	rows, err := src.Fetch(pageSize)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	now := time.Now()
	e := &entry{
		id:         uuid.NewString(),
		src:        src,
		cols:       src.Columns(),
		pageSize:   pageSize,
		createdAt:  now,
		lastAccess: now,
	}
	hasMore := len(rows) == pageSize

	if hasMore {
		r.mu.Lock()
		if len(r.entries) >= r.cfg.Capacity {
			r.mu.Unlock()
			_ = src.Close()
			return nil, ErrRegistryFull
		}
		r.entries[e.id] = e
		r.mu.Unlock()
	} else {
		// exhausted on the first page, nothing to register
		_ = src.Close()
	}

	return &OpenResult{
		ID:      e.id,
		Columns: e.cols,
		Rows:    toMaps(e.cols, rows),
		HasMore: hasMore,
	}, nil
}

// FetchNext returns the next page for an open cursor. A short or empty
// page exhausts the stream and the cursor is auto-closed before
// returning.
func (r *Registry) FetchNext(id string) (*Page, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrInvalidCursor
	}
	e.lastAccess = time.Now()
	r.mu.Unlock()

	e.fetchMu.Lock()
	defer e.fetchMu.Unlock()

	rows, err := e.src.Fetch(e.pageSize)
	if err != nil {
		r.Close(id)
		return nil, err
	}
	hasMore := len(rows) == e.pageSize
	if !hasMore {
		r.Close(id)
	}
	return &Page{Rows: toMaps(e.cols, rows), HasMore: hasMore}, nil
}

// Close releases a cursor and its connection. Idempotent: closing an
// unknown or already-closed id is a no-op.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if ok {
		if err := e.src.Close(); err != nil {
			log.Printf("[Cursor] close %s: %v", id, err)
		}
	}
}

// Active lists open cursors for monitoring.
func (r *Registry) Active() []Info {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, Info{
			ID:           e.id,
			AgeMs:        now.Sub(e.createdAt).Milliseconds(),
			LastAccessMs: now.Sub(e.lastAccess).Milliseconds(),
			PageSize:     e.pageSize,
		})
	}
	return infos
}

// SweepOnce closes every cursor idle longer than the TTL, reclaiming
// resources leaked by abandoned clients. Exposed so tests can trigger a
// sweep synchronously.
func (r *Registry) SweepOnce(now time.Time) int {
	r.mu.Lock()
	var stale []string
	for id, e := range r.entries {
		if now.Sub(e.lastAccess) >= r.cfg.IdleTTL {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		log.Printf("[Cursor] sweeping idle cursor %s", id)
		r.Close(id)
	}
	return len(stale)
}

// Start runs the background sweep until Stop or ctx cancellation.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case t := <-ticker.C:
				r.SweepOnce(t)
			}
		}
	}()
}

// Stop halts the sweep loop and closes every remaining cursor.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.mu.Lock()
		started := r.started
		r.mu.Unlock()
		if started {
			<-r.done
		}
	})
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Close(id)
	}
}

func toMaps(cols []string, rows [][]any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		m := make(map[string]any, len(cols))
		for i, col := range cols {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}
