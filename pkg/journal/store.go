// Package journal records dispatched contents in SQLite. It is a dispatch
// consumer like any other: the gateway acknowledges before anything is
// written here, and a failed write never reaches the client.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type Entry struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	MessageID  string    `json:"message_id"`
	Type       string    `json:"type"`
	MediaType  string    `json:"media_type,omitempty"`
	Status     string    `json:"status,omitempty"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

type Query struct {
	SessionID string
	Type      string
	SinceMs   int64
	Limit     int
}

const defaultListLimit = 200

type Store struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("journal: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "journal: open")
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a WAL-mode DSN for path.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("journal: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			media_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			payload BLOB,
			received_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS contents_by_session ON contents(session_id, id DESC);`,
		`CREATE INDEX IF NOT EXISTS contents_by_type ON contents(content_type, id DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "journal: migrate")
		}
	}
	return nil
}

// Save inserts e and returns its id. A zero ReceivedAt is stamped with now.
func (s *Store) Save(ctx context.Context, e Entry) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("journal: db is nil")
	}
	if strings.TrimSpace(e.SessionID) == "" {
		return 0, errors.New("journal: session id is empty")
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contents(session_id, message_id, content_type, media_type, status, payload, received_at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, e.SessionID, e.MessageID, e.Type, e.MediaType, e.Status, e.Payload, e.ReceivedAt.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "journal: insert")
	}
	return res.LastInsertId()
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("journal: db is nil")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	clauses := []string{}
	args := []any{}
	if v := strings.TrimSpace(q.SessionID); v != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(q.Type); v != "" {
		clauses = append(clauses, "content_type = ?")
		args = append(args, v)
	}
	if q.SinceMs > 0 {
		clauses = append(clauses, "received_at_ms >= ?")
		args = append(args, q.SinceMs)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, session_id, message_id, content_type, media_type, status, payload, received_at_ms
		FROM contents
		%s
		ORDER BY id DESC
		LIMIT ?
	`, where), args...)
	if err != nil {
		return nil, errors.Wrap(err, "journal: list")
	}
	defer func() { _ = rows.Close() }()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.MessageID, &e.Type, &e.MediaType, &e.Status, &e.Payload, &ms); err != nil {
			return nil, errors.Wrap(err, "journal: scan")
		}
		e.ReceivedAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "journal: rows")
}
