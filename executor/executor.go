// Execution manager - pooled SQL execution with retry, timeout and
// dataset-completeness verification against the legacy engine.

package executor

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/sijms/go-ora/v2"
)

// Config holds pool and retry parameters for the execution manager.
type Config struct {
	DSN             string        `yaml:"dsn"`               // go-ora connection URL
	MaxOpenConns    int           `yaml:"max_open_conns"`    // default: 8
	MaxIdleConns    int           `yaml:"max_idle_conns"`    // default: 4
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"` // default: 5m
	AcquireRetries  int           `yaml:"acquire_retries"`   // default: 3
	AcquireBackoff  time.Duration `yaml:"acquire_backoff"`   // default: 1s
	DefaultTimeout  time.Duration `yaml:"default_timeout"`   // default: 30s
	DefaultMaxRows  int           `yaml:"default_max_rows"`  // default: 1000
	FetchArraySize  int           `yaml:"fetch_array_size"`  // rows per driver round trip, default: 100
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: 5 * time.Minute,
		AcquireRetries:  3,
		AcquireBackoff:  time.Second,
		DefaultTimeout:  30 * time.Second,
		DefaultMaxRows:  1000,
		FetchArraySize:  100,
	}
}

// Options bound a single call.
type Options struct {
	Timeout        time.Duration // per-call timeout (0 = config default)
	MaxRows        int           // row cap for Execute (0 = config default)
	FetchArraySize int           // result preallocation hint (0 = config FetchArraySize)
}

// Result is the normalized outcome of one statement. Row values are
// always scalar: dates are ISO-8601 text, binary is base64 text,
// composites are JSON text.
type Result struct {
	Columns    []string         `json:"columns"`
	Rows       []map[string]any `json:"rows"`
	Truncated  bool             `json:"truncated,omitempty"`
	Elapsed    time.Duration    `json:"-"`
	Validation *Validation      `json:"validation,omitempty"`
}

// Validation reports a completeness check against an independent count.
type Validation struct {
	Complete         bool              `json:"complete"`
	ExpectedCount    int64             `json:"expectedCount"`
	ActualCount      int64             `json:"actualCount"`
	FormattingIssues []FormattingIssue `json:"formattingIssues,omitempty"`
}

// FormattingIssue flags a row value that survived normalization as a
// nested structure. Empty by construction; kept as a regression guard.
type FormattingIssue struct {
	RowIndex int    `json:"rowIndex"`
	Column   string `json:"column"`
	Type     string `json:"type"`
}

// Manager runs normalized SQL against the pooled connection with
// bounded resource usage. Safe for concurrent use.
type Manager struct {
	db  *sql.DB
	cfg Config
}

// Open creates the manager and its connection pool. The pool is lazy;
// use Ping to verify reachability.
func Open(cfg Config) (*Manager, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("executor: dsn required")
	}
	db, err := sql.Open("oracle", withPrefetch(cfg.DSN, cfg.FetchArraySize))
	if err != nil {
		return nil, fmt.Errorf("executor: open failed: %w", err)
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
	log.Printf("[Executor] pool ready (max %d conns)", cfg.MaxOpenConns)
	return &Manager{db: db, cfg: cfg}, nil
}

// withPrefetch sets the driver's PREFETCH_ROWS URL parameter so each
// network round trip fetches a full batch. An explicit parameter in the
// DSN wins.
func withPrefetch(dsn string, rows int) string {
	if rows <= 0 || strings.Contains(strings.ToUpper(dsn), "PREFETCH_ROWS") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "PREFETCH_ROWS=" + strconv.Itoa(rows)
}

// Ping verifies the backing engine is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return wrapError(err, "")
	}
	return nil
}

// Close releases the pool.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Acquire hands out a dedicated pooled connection with bounded retries.
// The caller owns the connection and must close it on every path. The
// cursor registry builds its server-side cursors on top of this.
func (m *Manager) Acquire(ctx context.Context) (*sql.Conn, error) {
	var lastErr error
	attempts := m.cfg.AcquireRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := m.db.Conn(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Printf("[Executor] acquire failed (attempt %d/%d): %v", attempt, attempts, err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, wrapError(ctx.Err(), "")
		case <-time.After(m.cfg.AcquireBackoff):
		}
	}
	return nil, wrapError(lastErr, "")
}

// Execute runs one statement with a per-call timeout and a row cap.
func (m *Manager) Execute(ctx context.Context, query string, binds []any, opts Options) (*Result, error) {
	return m.run(ctx, query, binds, opts, true)
}

// ExecuteAll runs one statement and fetches every row page-wise, for
// full-dataset export and validation. No row cap applies.
func (m *Manager) ExecuteAll(ctx context.Context, query string, binds []any, opts Options) (*Result, error) {
	return m.run(ctx, query, binds, opts, false)
}

func (m *Manager) run(ctx context.Context, query string, binds []any, opts Options, capped bool) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	maxRows := opts.MaxRows
	if maxRows <= 0 {
		maxRows = m.cfg.DefaultMaxRows
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := m.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query, binds...)
	if err != nil {
		return nil, wrapError(err, query)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, wrapError(err, query)
	}

	batch := opts.FetchArraySize
	if batch <= 0 {
		batch = m.cfg.FetchArraySize
	}
	res := &Result{Columns: cols, Rows: make([]map[string]any, 0, batch)}
	scan := make([]any, len(cols))
	for i := range scan {
		scan[i] = new(any)
	}
	for rows.Next() {
		if capped && len(res.Rows) >= maxRows {
			res.Truncated = true
			break
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, wrapError(err, query)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = NormalizeValue(*(scan[i].(*any)))
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, query)
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

var tableNameRe = regexp.MustCompile(`^(?:"[^"]+"|[A-Za-z_][A-Za-z0-9_$#]*)(?:\.(?:"[^"]+"|[A-Za-z_][A-Za-z0-9_$#]*))?$`)

// CountRows obtains an independent COUNT(*) for a table, used as the
// expected count of a completeness check. The name must be a bare
// [owner.]table identifier.
func (m *Manager) CountRows(ctx context.Context, table string) (int64, error) {
	if !tableNameRe.MatchString(table) {
		return 0, fmt.Errorf("executor: invalid table name %q", table)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DefaultTimeout)
	defer cancel()

	conn, err := m.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var n int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, wrapError(err, "SELECT COUNT(*) FROM "+table)
	}
	return n, nil
}

// ValidateCompleteness compares retrieved row count against an
// independently obtained expected count.
func ValidateCompleteness(rows []map[string]any, expected int64) Validation {
	actual := int64(len(rows))
	return Validation{
		Complete:      actual == expected,
		ExpectedCount: expected,
		ActualCount:   actual,
	}
}

// DetectFormattingIssues scans normalized rows for any value that is
// still a nested structure. Should return nothing; a hit means value
// normalization regressed.
func DetectFormattingIssues(rows []map[string]any) []FormattingIssue {
	var issues []FormattingIssue
	for i, row := range rows {
		for col, v := range row {
			if v == nil || isScalar(v) {
				continue
			}
			issues = append(issues, FormattingIssue{
				RowIndex: i,
				Column:   col,
				Type:     reflect.TypeOf(v).String(),
			})
		}
	}
	return issues
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// NormalizeValue serializes any non-scalar driver value to text so no
// result field is ever a nested structure: dates to ISO-8601, binary to
// base64, composites to JSON.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct, reflect.Ptr:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
	}
	return strings.TrimSpace(fmt.Sprintf("%v", v))
}
