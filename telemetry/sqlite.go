package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/agentrelay/logging"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const schema = `
CREATE TABLE IF NOT EXISTS request_records (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id   TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	agent_id     TEXT NOT NULL,
	routed_by    TEXT NOT NULL DEFAULT '',
	provider     TEXT NOT NULL DEFAULT '',
	model        TEXT NOT NULL DEFAULT '',
	confidence   REAL NOT NULL,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	degraded     INTEGER NOT NULL DEFAULT 0,
	fallback     INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	duration_ms  INTEGER NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_records_session ON request_records(session_id);
`

// ErrSinkClosed is returned by queries against a closed SQLiteSink.
var ErrSinkClosed = errors.New("telemetry sink is closed")

// SQLiteOptions configures a SQLiteSink.
type SQLiteOptions struct {
	QueueSize int
	Logger    logging.Logger
}

// SQLiteSink persists records to SQLite from a single writer goroutine fed by
// a bounded queue. When the queue is full new records are dropped.
type SQLiteSink struct {
	db     *sql.DB
	logger logging.Logger
	queue  chan Record
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewSQLiteSink opens (or creates) the database at path. Use ":memory:" for
// an ephemeral store.
func NewSQLiteSink(path string, optFns ...func(o *SQLiteOptions)) (*SQLiteSink, error) {
	opts := SQLiteOptions{QueueSize: 256}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create telemetry schema: %w", err)
	}

	s := &SQLiteSink{
		db:     db,
		logger: logging.OrNoOp(opts.Logger),
		queue:  make(chan Record, opts.QueueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *SQLiteSink) run() {
	defer close(s.done)
	for r := range s.queue {
		if err := s.insert(r); err != nil {
			s.logger.Warn("Telemetry write failed", "request_id", r.RequestID, "error", err)
		}
	}
}

func (s *SQLiteSink) insert(r Record) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO request_records
			(request_id, session_id, agent_id, routed_by, provider, model, confidence, total_tokens, degraded, fallback, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.SessionID, r.AgentID, r.RoutedBy, r.Provider, r.Model, r.Confidence, r.TotalTokens,
		boolToInt(r.Degraded), boolToInt(r.Fallback), r.Error, r.Duration.Milliseconds(), ts.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Record enqueues r without blocking.
func (s *SQLiteSink) Record(_ context.Context, r Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- r:
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("Telemetry queue full, record dropped", "request_id", r.RequestID, "dropped_total", n)
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (s *SQLiteSink) Dropped() int64 { return s.dropped.Load() }

// Recent returns up to limit records, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrSinkClosed
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, session_id, agent_id, routed_by, provider, model, confidence, total_tokens, degraded, fallback, error, duration_ms, created_at
		 FROM request_records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                  Record
			degraded, fallback int
			durationMs         int64
			createdAt          string
		)
		if err := rows.Scan(&r.RequestID, &r.SessionID, &r.AgentID, &r.RoutedBy, &r.Provider, &r.Model,
			&r.Confidence, &r.TotalTokens, &degraded, &fallback, &r.Error, &durationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan telemetry: %w", err)
		}
		r.Degraded = degraded != 0
		r.Fallback = fallback != 0
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close stops accepting records, drains the queue and closes the database.
func (s *SQLiteSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return errors.Join(ctx.Err(), s.db.Close())
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
