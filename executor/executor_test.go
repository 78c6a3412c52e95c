package executor

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNormalizeValueScalars(t *testing.T) {
	for _, v := range []any{"text", true, int(1), int64(2), float64(3.5)} {
		if got := NormalizeValue(v); got != v {
			t.Errorf("NormalizeValue(%v) = %v, changed a scalar", v, got)
		}
	}
	if got := NormalizeValue(nil); got != nil {
		t.Errorf("NormalizeValue(nil) = %v, want nil", got)
	}
}

func TestNormalizeValueTime(t *testing.T) {
	loc := time.FixedZone("TEST", 3*3600)
	in := time.Date(2024, 6, 1, 15, 30, 0, 0, loc)
	got := NormalizeValue(in)
	want := "2024-06-01T12:30:00Z"
	if got != want {
		t.Errorf("NormalizeValue(time) = %v, want %v", got, want)
	}
}

func TestNormalizeValueBinary(t *testing.T) {
	in := []byte{0x01, 0x02, 0xFF}
	got := NormalizeValue(in)
	want := base64.StdEncoding.EncodeToString(in)
	if got != want {
		t.Errorf("NormalizeValue([]byte) = %v, want %v", got, want)
	}
}

func TestNormalizeValueComposites(t *testing.T) {
	got := NormalizeValue([]int{1, 2, 3})
	if got != "[1,2,3]" {
		t.Errorf("NormalizeValue(slice) = %v, want JSON text", got)
	}
	got = NormalizeValue(map[string]int{"a": 1})
	if got != `{"a":1}` {
		t.Errorf("NormalizeValue(map) = %v, want JSON text", got)
	}
}

// Every normalized value must be flat: feeding normalized rows into the
// formatting detector has to find nothing.
func TestNormalizedRowsHaveNoNestedValues(t *testing.T) {
	raw := []any{
		nil,
		"plain",
		int64(42),
		3.14,
		time.Now(),
		[]byte("blob"),
		[]string{"nested"},
		map[string]any{"k": "v"},
		struct{ X int }{X: 1},
	}
	row := make(map[string]any, len(raw))
	for i, v := range raw {
		row[fmt.Sprintf("C%d", i)] = NormalizeValue(v)
	}
	if issues := DetectFormattingIssues([]map[string]any{row}); len(issues) != 0 {
		t.Errorf("normalization left nested values: %+v", issues)
	}
}

func TestDetectFormattingIssuesFlagsNested(t *testing.T) {
	rows := []map[string]any{
		{"OK": "fine"},
		{"BAD": []string{"nested"}},
	}
	issues := DetectFormattingIssues(rows)
	if len(issues) != 1 {
		t.Fatalf("got %d issues, want 1: %+v", len(issues), issues)
	}
	if issues[0].RowIndex != 1 || issues[0].Column != "BAD" {
		t.Errorf("issue = %+v", issues[0])
	}
}

func TestValidateCompleteness(t *testing.T) {
	rows := make([]map[string]any, 5)
	v := ValidateCompleteness(rows, 7)
	if v.Complete || v.ExpectedCount != 7 || v.ActualCount != 5 {
		t.Errorf("Validation = %+v, want incomplete 5/7", v)
	}
	v = ValidateCompleteness(rows, 5)
	if !v.Complete {
		t.Errorf("Validation = %+v, want complete", v)
	}
}

func TestWrapErrorMapsCodes(t *testing.T) {
	err := wrapError(errors.New("ORA-00942: table or view does not exist"), "SELECT * FROM missing")
	if err.Code != "ORA-00942" {
		t.Errorf("Code = %q", err.Code)
	}
	if !strings.Contains(err.Message, "does not exist") {
		t.Errorf("Message = %q", err.Message)
	}
	if err.SQL != "SELECT * FROM missing" {
		t.Errorf("SQL = %q", err.SQL)
	}
}

func TestWrapErrorUnknown(t *testing.T) {
	err := wrapError(errors.New("connection reset"), "")
	if err.Code != "UNKNOWN" {
		t.Errorf("Code = %q, want UNKNOWN", err.Code)
	}
	if err.Error() != "connection reset" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWrapErrorPassesThroughTyped(t *testing.T) {
	orig := &Error{Code: "ORA-01013", Message: "cancelled"}
	if got := wrapError(orig, "SELECT 1"); got != orig {
		t.Errorf("typed error rewrapped: %+v", got)
	}
}

func TestWrapErrorTruncatesSQL(t *testing.T) {
	long := strings.Repeat("X", errSQLLimit+100)
	err := wrapError(errors.New("ORA-00904: bad column"), long)
	if len(err.SQL) != errSQLLimit+3 {
		t.Errorf("SQL length = %d, want %d", len(err.SQL), errSQLLimit+3)
	}
	if !strings.HasSuffix(err.SQL, "...") {
		t.Errorf("truncated SQL missing ellipsis")
	}
}

func TestErrorString(t *testing.T) {
	e := &Error{Code: "ORA-00001", Message: "duplicate key"}
	if got := e.Error(); got != "ORA-00001: duplicate key" {
		t.Errorf("Error() = %q", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("oracle://scott:tiger@db:1521/orcl")
	if cfg.MaxOpenConns != 8 || cfg.AcquireRetries != 3 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.DefaultTimeout != 30*time.Second || cfg.DefaultMaxRows != 1000 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.FetchArraySize != 100 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestWithPrefetch(t *testing.T) {
	cases := []struct {
		dsn  string
		rows int
		want string
	}{
		{"oracle://scott:tiger@db:1521/orcl", 500, "oracle://scott:tiger@db:1521/orcl?PREFETCH_ROWS=500"},
		{"oracle://scott:tiger@db:1521/orcl?SSL=true", 500, "oracle://scott:tiger@db:1521/orcl?SSL=true&PREFETCH_ROWS=500"},
		{"oracle://scott:tiger@db:1521/orcl?PREFETCH_ROWS=25", 500, "oracle://scott:tiger@db:1521/orcl?PREFETCH_ROWS=25"},
		{"oracle://scott:tiger@db:1521/orcl", 0, "oracle://scott:tiger@db:1521/orcl"},
	}
	for _, c := range cases {
		if got := withPrefetch(c.dsn, c.rows); got != c.want {
			t.Errorf("withPrefetch(%q, %d) = %q, want %q", c.dsn, c.rows, got, c.want)
		}
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("Open with empty DSN succeeded")
	}
}

func TestTableNamePattern(t *testing.T) {
	for _, bad := range []string{
		"t; DROP TABLE users",
		"t WHERE 1=1",
		"(SELECT 1)",
		"",
	} {
		if tableNameRe.MatchString(bad) {
			t.Errorf("table name %q accepted by pattern", bad)
		}
	}
	for _, good := range []string{"employees", "HR.EMPLOYEES", `"Weird Name"`, `hr."Emp"`} {
		if !tableNameRe.MatchString(good) {
			t.Errorf("table name %q rejected by pattern", good)
		}
	}
}
