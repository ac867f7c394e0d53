package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"zubot"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Default queue limits.
const (
	DefaultWaitTimeout   = 5 * time.Second
	DefaultMaxRows       = 500
	DefaultBusyTimeoutMS = 5000
)

// readOnlyPrefixes are the statement keywords Query accepts.
var readOnlyPrefixes = []string{"select", "pragma", "explain", "with"}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets a structured logger for the queue.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// WithWaitTimeout sets how long callers wait for their statement to finish
// before receiving a sql_queue_timeout error (default 5s).
func WithWaitTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.waitTimeout = d
		}
	}
}

// WithBusyTimeout sets the SQLite busy_timeout pragma in milliseconds (default 5000).
func WithBusyTimeout(ms int) QueueOption {
	return func(q *Queue) {
		if ms > 0 {
			q.busyTimeoutMS = ms
		}
	}
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

type queueRequest struct {
	id   string
	fn   func(db *sql.DB) (any, error)
	done chan queueResult
}

type queueResult struct {
	value any
	err   error
}

// Queue serializes all database access through a single executor
// goroutine. Requests run strictly in submission order; there is exactly
// one writer for the whole process, which is what makes WAL-mode SQLite
// safe to share across the chat, worker, and scheduler planes.
type Queue struct {
	db            *sql.DB
	reqs          chan *queueRequest
	waitTimeout   time.Duration
	busyTimeoutMS int
	logger        *slog.Logger

	counter atomic.Int64
	depth   atomic.Int64

	mu       sync.Mutex
	lastErr  string
	closed   bool
	stopOnce sync.Once
	stopped  chan struct{}
}

var _ zubot.SQLRunner = (*Queue)(nil)

// NewQueue opens dbPath and starts the executor goroutine.
// The pool is pinned to one connection so every goroutine serializes
// through the same SQLite handle.
func NewQueue(dbPath string, opts ...QueueOption) *Queue {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)

	q := &Queue{
		db:            db,
		reqs:          make(chan *queueRequest, 256),
		waitTimeout:   DefaultWaitTimeout,
		busyTimeoutMS: DefaultBusyTimeoutMS,
		logger:        nopLogger,
		stopped:       make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}

	q.applyPragmas()
	go q.run()
	q.logger.Debug("sqlite: queue opened", "path", dbPath)
	return q
}

// applyPragmas configures the connection for single-writer shared use.
// Enabling WAL can fail transiently while another handle holds the
// database, so it gets up to three attempts.
func (q *Queue) applyPragmas() {
	for attempt := 1; attempt <= 3; attempt++ {
		var mode string
		err := q.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode)
		if err == nil && strings.EqualFold(mode, "wal") {
			break
		}
		q.logger.Warn("sqlite: enabling WAL failed", "attempt", attempt, "mode", mode, "error", err)
		time.Sleep(100 * time.Millisecond)
	}

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", q.busyTimeoutMS),
	}
	for _, p := range pragmas {
		if _, err := q.db.Exec(p); err != nil {
			q.logger.Warn("sqlite: pragma failed", "pragma", p, "error", err)
		}
	}
}

// run is the executor loop. It owns all statement execution.
func (q *Queue) run() {
	defer close(q.stopped)
	for req := range q.reqs {
		value, err := req.fn(q.db)
		q.depth.Add(-1)
		if err != nil {
			q.mu.Lock()
			q.lastErr = err.Error()
			q.mu.Unlock()
			q.logger.Debug("sqlite: statement failed", "request_id", req.id, "error", err)
		}
		req.done <- queueResult{value: value, err: err}
	}
}

// submit queues fn and waits for its result or the wait timeout. On
// timeout the statement keeps running behind the caller; only the wait
// is abandoned.
func (q *Queue) submit(ctx context.Context, fn func(db *sql.DB) (any, error)) (any, error) {
	req := &queueRequest{
		id:   fmt.Sprintf("sqlq_%d", q.counter.Add(1)),
		fn:   fn,
		done: make(chan queueResult, 1),
	}

	// The send happens under the same lock Close holds while closing
	// reqs, so the channel cannot close mid-send.
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, &zubot.ErrQueue{Kind: "queue_closed", Message: "serialized queue is closed"}
	}
	q.depth.Add(1)
	select {
	case q.reqs <- req:
		q.mu.Unlock()
	case <-ctx.Done():
		q.mu.Unlock()
		q.depth.Add(-1)
		return nil, ctx.Err()
	}

	timer := time.NewTimer(q.waitTimeout)
	defer timer.Stop()
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &zubot.ErrQueue{Kind: zubot.KindSQLQueueTimeout, Message: req.id}
	}
}

// Query runs a read-only statement. Statements are classified by their
// first keyword; anything outside select/pragma/explain/with is rejected.
// Rows are capped at maxRows (default 500, minimum 1) with a truncation flag.
func (q *Queue) Query(ctx context.Context, stmt string, args []any, maxRows int) (zubot.QueryResult, error) {
	if !isReadOnly(stmt) {
		return zubot.QueryResult{}, &zubot.ErrQueue{Kind: "read_only_required", Message: "statement is not read-only"}
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	value, err := q.submit(ctx, func(db *sql.DB) (any, error) {
		rows, err := db.Query(stmt, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanRows(rows, maxRows)
	})
	if err != nil {
		return zubot.QueryResult{}, err
	}
	return value.(zubot.QueryResult), nil
}

// Exec runs a write statement in its own implicit transaction. A failed
// statement rolls back alone; the queue keeps serving.
func (q *Queue) Exec(ctx context.Context, stmt string, args []any) (zubot.ExecResult, error) {
	value, err := q.submit(ctx, func(db *sql.DB) (any, error) {
		res, err := db.Exec(stmt, args...)
		if err != nil {
			return nil, err
		}
		affected, _ := res.RowsAffected()
		return zubot.ExecResult{RowsAffected: affected}, nil
	})
	if err != nil {
		return zubot.ExecResult{}, err
	}
	return value.(zubot.ExecResult), nil
}

// Tx runs fn as one transaction inside one queue slot, for
// multi-statement invariants. The single-connection pool plus the
// executor goroutine make the transaction exclusive without needing
// BEGIN IMMEDIATE: no other statement can interleave.
func (q *Queue) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	_, err := q.submit(ctx, func(db *sql.DB) (any, error) {
		tx, err := db.Begin()
		if err != nil {
			return nil, err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		return nil, tx.Commit()
	})
	return err
}

// do runs arbitrary read work inside one queue slot. Used by the typed
// stores for scan-heavy reads that the generic Query shape does not fit.
func (q *Queue) do(ctx context.Context, fn func(db *sql.DB) (any, error)) (any, error) {
	return q.submit(ctx, fn)
}

// Health reports the queue's current state.
func (q *Queue) Health() zubot.QueueHealth {
	q.mu.Lock()
	last := q.lastErr
	q.mu.Unlock()
	return zubot.QueueHealth{
		QueueDepth: int(q.depth.Load()),
		LastError:  last,
		Serialized: true,
	}
}

// Close stops the executor and closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.stopOnce.Do(func() { close(q.reqs) })
	q.mu.Unlock()

	<-q.stopped
	return q.db.Close()
}

// isReadOnly classifies a statement by its first keyword.
func isReadOnly(stmt string) bool {
	head := strings.ToLower(strings.TrimSpace(stmt))
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(head, p) {
			return true
		}
	}
	return false
}

// scanRows converts up to maxRows into generic maps, flagging truncation.
func scanRows(rows *sql.Rows, maxRows int) (zubot.QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return zubot.QueryResult{}, err
	}

	var out zubot.QueryResult
	for rows.Next() {
		if len(out.Rows) >= maxRows {
			out.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return zubot.QueryResult{}, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, rows.Err()
}
