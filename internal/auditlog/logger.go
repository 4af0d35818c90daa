// Package auditlog persists connection lifecycle events (connect, join,
// leave) with the peer's remote address to a local SQLite database, for the
// admin log view. Chat bodies are never written here; the relay stores no
// message content.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS connection_events (
	id          TEXT PRIMARY KEY,
	connection  TEXT NOT NULL,
	event       TEXT NOT NULL,
	username    TEXT NOT NULL DEFAULT '',
	room        TEXT NOT NULL DEFAULT '',
	remote_addr TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connection_events_created_at
	ON connection_events(created_at);
`

// Event names recorded in the log.
const (
	EventConnected = "connected"
	EventJoined    = "joined"
	EventLeft      = "left"
)

// Entry is one audit row.
type Entry struct {
	ID         string    `json:"id"`
	Connection string    `json:"connection"`
	Event      string    `json:"event"`
	Username   string    `json:"username,omitempty"`
	Room       string    `json:"room,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Logger writes entries through a single writer goroutine, serializing all
// SQLite writes while reads run concurrently off the connection pool.
// Recording is best-effort and never blocks a caller: if the queue is full
// the entry is dropped with a log line.
type Logger struct {
	db      *sql.DB
	writeCh chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// Open opens (creating if needed) the audit database at path and starts the
// writer goroutine.
func Open(path string) (*Logger, error) {
	if path == "" {
		return nil, fmt.Errorf("audit database path cannot be empty")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	l := &Logger{
		db:      db,
		writeCh: make(chan Entry, 256),
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// Record queues an entry for persistence, stamping id and timestamp.
func (l *Logger) Record(e Entry) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	select {
	case l.writeCh <- e:
	default:
		log.Printf("audit queue full, dropping %s event for conn=%s", e.Event, e.Connection)
	}
}

// Connected, Joined, and Left adapt the logger to the router's Auditor
// interface.

func (l *Logger) Connected(connID, remoteAddr, requestedRoom string) {
	l.Record(Entry{Connection: connID, Event: EventConnected, Room: requestedRoom, RemoteAddr: remoteAddr})
}

func (l *Logger) Joined(connID, username, room string) {
	l.Record(Entry{Connection: connID, Event: EventJoined, Username: username, Room: room})
}

func (l *Logger) Left(connID, username, room string) {
	l.Record(Entry{Connection: connID, Event: EventLeft, Username: username, Room: room})
}

// Recent returns up to limit entries, newest first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, connection, event, username, room, remote_addr, created_at
		FROM connection_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Connection, &e.Event, &e.Username, &e.Room, &e.RemoteAddr, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close drains the write queue, stops the writer, and closes the database.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.writeCh:
			l.insert(e)
		case <-l.done:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case e := <-l.writeCh:
					l.insert(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) insert(e Entry) {
	_, err := l.db.Exec(`
		INSERT INTO connection_events (id, connection, event, username, room, remote_addr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Connection, e.Event, e.Username, e.Room, e.RemoteAddr, e.CreatedAt)
	if err != nil {
		log.Printf("failed to persist audit entry: %v", err)
	}
}
