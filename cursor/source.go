package cursor

import (
	"context"
	"database/sql"

	"github.com/gliderlab/oragate/executor"
)

// Source is one open server-side result set, paged incrementally.
// Fetch returning fewer rows than asked means the set is exhausted.
type Source interface {
	Columns() []string
	Fetch(n int) ([][]any, error)
	Close() error
}

// Opener creates a Source for a statement. Production uses SQLOpener;
// tests substitute fakes.
type Opener func(ctx context.Context, query string, binds []any) (Source, error)

// sqlSource holds a dedicated pooled connection and its live rows for
// the whole life of the cursor. The cancel func aborts the server-side
// statement when the cursor is closed or swept.
type sqlSource struct {
	conn   *sql.Conn
	rows   *sql.Rows
	cols   []string
	cancel context.CancelFunc
}

// SQLOpener builds an Opener on the execution manager's pooled
// connection primitive. The acquisition honors ctx; the returned rows
// outlive it, bounded only by Close.
func SQLOpener(m *executor.Manager) Opener {
	return func(ctx context.Context, query string, binds []any) (Source, error) {
		conn, err := m.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		runCtx, cancel := context.WithCancel(context.Background())
		rows, err := conn.QueryContext(runCtx, query, binds...)
		if err != nil {
			cancel()
			_ = conn.Close()
			return nil, err
		}
		cols, err := rows.Columns()
		if err != nil {
			_ = rows.Close()
			cancel()
			_ = conn.Close()
			return nil, err
		}
		return &sqlSource{conn: conn, rows: rows, cols: cols, cancel: cancel}, nil
	}
}

func (s *sqlSource) Columns() []string { return s.cols }

func (s *sqlSource) Fetch(n int) ([][]any, error) {
	out := make([][]any, 0, n)
	scan := make([]any, len(s.cols))
	for i := range scan {
		scan[i] = new(any)
	}
	for len(out) < n && s.rows.Next() {
		if err := s.rows.Scan(scan...); err != nil {
			return nil, err
		}
		row := make([]any, len(s.cols))
		for i := range s.cols {
			row[i] = executor.NormalizeValue(*(scan[i].(*any)))
		}
		out = append(out, row)
	}
	if err := s.rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlSource) Close() error {
	err := s.rows.Close()
	s.cancel()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
