// Package storetest provides an in-memory database behind the store.Session
// interface, for tests of code that loads pages.
package storetest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ajitpratap0/wbingest/pkg/store"
)

// ErrClosed is returned by a session used after Close.
var ErrClosed = errors.New("conn closed")

// DB is an in-memory table that counts sessions.
type DB struct {
	mu sync.Mutex

	// FailInsert, when set, is consulted for every inserted row; a non-nil
	// result fails that insert.
	FailInsert func(args []any) error
	// OpenErr fails every Open
	OpenErr error
	// PingErr fails every Ping
	PingErr error

	rows        [][]any
	tableExists bool
	opened      int
	closed      int
	doubleClose int
	deadlines   int
	statements  int
}

// New returns an empty DB without the destination table.
func New() *DB {
	return &DB{}
}

// WithTable marks the destination table as already present.
func (db *DB) WithTable() *DB {
	db.tableExists = true
	return db
}

// Open implements store.SessionFactory.
func (db *DB) Open(context.Context) (store.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.OpenErr != nil {
		return nil, db.OpenErr
	}
	db.opened++
	return &session{db: db}, nil
}

// Rows returns a copy of the committed rows.
func (db *DB) Rows() [][]any {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([][]any, len(db.rows))
	copy(out, db.rows)
	return out
}

// RowCount returns the number of committed rows.
func (db *DB) RowCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.rows)
}

// TableExists reports whether CREATE TABLE has succeeded.
func (db *DB) TableExists() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tableExists
}

// Sessions returns how many sessions were opened and closed, and how many
// Close calls hit an already closed session.
func (db *DB) Sessions() (opened, closed, doubleClosed int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.opened, db.closed, db.doubleClose
}

// AllStatementsHadDeadline reports whether every statement carried a
// context deadline.
func (db *DB) AllStatementsHadDeadline() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.statements > 0 && db.deadlines == db.statements
}

func (db *DB) noteStatement(ctx context.Context) {
	db.statements++
	if _, ok := ctx.Deadline(); ok {
		db.deadlines++
	}
}

func (db *DB) insert(args []any) error {
	if db.FailInsert != nil {
		if err := db.FailInsert(args); err != nil {
			return err
		}
	}
	return nil
}

type session struct {
	db     *DB
	closed bool
}

func (s *session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.closed {
		return pgconn.CommandTag{}, ErrClosed
	}
	s.db.noteStatement(ctx)

	switch {
	case strings.HasPrefix(sql, "CREATE TABLE"):
		if s.db.tableExists {
			return pgconn.CommandTag{}, &pgconn.PgError{Severity: "ERROR", Code: "42P07", Message: "relation already exists"}
		}
		s.db.tableExists = true
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	case strings.HasPrefix(sql, "INSERT"):
		if err := s.db.insert(args); err != nil {
			return pgconn.CommandTag{}, err
		}
		s.db.rows = append(s.db.rows, append([]any(nil), args...))
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	default:
		return pgconn.CommandTag{}, errors.New("unsupported statement: " + sql)
	}
}

func (s *session) BeginTx(ctx context.Context) (store.Tx, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.db.noteStatement(ctx)
	return &tx{db: s.db}, nil
}

func (s *session) Ping(context.Context) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.PingErr
}

func (s *session) Close(context.Context) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.closed {
		s.db.doubleClose++
		return nil
	}
	s.closed = true
	s.db.closed++
	return nil
}

type tx struct {
	db      *DB
	staged  [][]any
	aborted bool
	done    bool
}

func (t *tx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	results := &batchResults{}
	for _, q := range b.QueuedQueries {
		t.db.noteStatement(ctx)
		if t.aborted {
			results.errs = append(results.errs, errors.New("current transaction is aborted"))
			continue
		}
		if err := t.db.insert(q.Arguments); err != nil {
			t.aborted = true
			results.errs = append(results.errs, err)
			continue
		}
		t.staged = append(t.staged, append([]any(nil), q.Arguments...))
		results.errs = append(results.errs, nil)
	}
	return results
}

func (t *tx) Commit(context.Context) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	if t.aborted {
		return pgx.ErrTxCommitRollback
	}
	t.db.rows = append(t.db.rows, t.staged...)
	return nil
}

func (t *tx) Rollback(context.Context) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.staged = nil
	return nil
}

type batchResults struct {
	errs []error
	next int
}

func (r *batchResults) Exec() (pgconn.CommandTag, error) {
	if r.next >= len(r.errs) {
		return pgconn.CommandTag{}, errors.New("no more results in batch")
	}
	err := r.errs[r.next]
	r.next++
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *batchResults) Query() (pgx.Rows, error) {
	return nil, errors.New("query not supported")
}

func (r *batchResults) QueryRow() pgx.Row {
	return errRow{}
}

func (r *batchResults) Close() error {
	return nil
}

type errRow struct{}

func (errRow) Scan(...any) error { return errors.New("query not supported") }
