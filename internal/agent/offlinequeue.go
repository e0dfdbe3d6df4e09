// Package agent implements the on-host collector deployed to every
// monitored server, per SPEC_FULL.md §4.12. This file is the offline
// durability buffer (§4.12a), adapted from the teacher's
// agent/internal/transport/offline.go SQLite queue: generalized from a
// single "drift" event type to an arbitrary POST endpoint + JSON payload,
// and rebuilt on modernc.org/sqlite (a pure-Go database/sql driver) instead
// of the teacher's cgo-based mattn/go-sqlite3, per the domain stack.
package agent

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultMaxQueueSize and DefaultMaxQueueAge match spec §4.12a's cap.
const (
	DefaultMaxQueueSize = 10000
	DefaultMaxQueueAge  = 7 * 24 * time.Hour
)

// OfflineQueue buffers failed POSTs against an endpoint until the next
// successful POST to that same endpoint flushes it.
type OfflineQueue struct {
	db      *sql.DB
	mu      sync.Mutex
	maxSize int
	maxAge  time.Duration
}

// QueueOptions configures an OfflineQueue's retention limits.
type QueueOptions struct {
	MaxSize int
	MaxAge  time.Duration
}

// NewOfflineQueue opens (or creates) the queue database under dataDir.
func NewOfflineQueue(dataDir string) (*OfflineQueue, error) {
	return NewOfflineQueueWithOptions(dataDir, QueueOptions{})
}

// NewOfflineQueueWithOptions is NewOfflineQueue with explicit retention.
func NewOfflineQueueWithOptions(dataDir string, opts QueueOptions) (*OfflineQueue, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxQueueSize
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxQueueAge
	}

	dbPath := dataDir + "/offline_queue.db"
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS queued_posts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			endpoint TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create queued_posts table: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_queued_posts_created_at ON queued_posts(created_at)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &OfflineQueue{db: db, maxSize: opts.MaxSize, maxAge: opts.MaxAge}, nil
}

// Enqueue stores one failed POST's endpoint and body for later replay.
func (q *OfflineQueue) Enqueue(endpoint string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.enforceLimit(); err != nil {
		return err
	}

	_, err := q.db.Exec(`INSERT INTO queued_posts (endpoint, payload) VALUES (?, ?)`, endpoint, payload)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// enforceLimit prunes events older than maxAge and, if still at capacity,
// drops the oldest 10% — must be called with q.mu held.
func (q *OfflineQueue) enforceLimit() error {
	cutoff := time.Now().Add(-q.maxAge)
	if _, err := q.db.Exec(`DELETE FROM queued_posts WHERE created_at < ?`, cutoff); err != nil {
		log.Printf("[agent] offline queue prune failed: %v", err)
	}

	var count int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queued_posts`).Scan(&count); err != nil {
		return fmt.Errorf("count queue: %w", err)
	}
	if count < q.maxSize {
		return nil
	}

	toDelete := q.maxSize / 10
	if toDelete < 1 {
		toDelete = 1
	}
	_, err := q.db.Exec(`
		DELETE FROM queued_posts WHERE id IN (
			SELECT id FROM queued_posts ORDER BY created_at ASC LIMIT ?
		)`, toDelete)
	if err != nil {
		return fmt.Errorf("prune queue: %w", err)
	}
	return nil
}

// queuedPost is one row pending replay.
type queuedPost struct {
	id       int64
	endpoint string
	payload  []byte
}

// DequeueAll returns up to limit queued posts for endpoint, oldest first,
// and removes them from the queue.
func (q *OfflineQueue) DequeueAll(endpoint string, limit int) ([]queuedPost, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`
		SELECT id, endpoint, payload FROM queued_posts
		WHERE endpoint = ?
		ORDER BY created_at ASC LIMIT ?`, endpoint, limit)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var out []queuedPost
	var ids []int64
	for rows.Next() {
		var p queuedPost
		if err := rows.Scan(&p.id, &p.endpoint, &p.payload); err != nil {
			continue
		}
		out = append(out, p)
		ids = append(ids, p.id)
	}

	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		args := make([]interface{}, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args[i] = id
		}
		query := fmt.Sprintf(`DELETE FROM queued_posts WHERE id IN (%s)`, strings.Join(placeholders, ","))
		if _, err := q.db.Exec(query, args...); err != nil {
			log.Printf("[agent] failed to delete %d flushed queue rows: %v", len(ids), err)
		}
	}
	return out, nil
}

// Count returns the number of queued posts across all endpoints.
func (q *OfflineQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var count int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queued_posts`).Scan(&count); err != nil {
		return 0
	}
	return count
}

// Close releases the underlying database handle.
func (q *OfflineQueue) Close() error { return q.db.Close() }
