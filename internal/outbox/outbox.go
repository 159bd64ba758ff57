// Package outbox provides a WAL-mode SQLite-backed durable spool for
// outbound distribution messages. It implements at-least-once delivery
// semantics for the opt-in durable-send path: messages are persisted on
// Enqueue and are not removed until the caller calls Ack.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that concurrent
// readers and a single writer can proceed without blocking each other. This
// matters because connmgr.Manager's SendMessage path calls Enqueue while a
// connmgr.Conn's separate flush goroutine calls Dequeue and Ack once the
// peer connection comes back up.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// crashes between Enqueue and Ack, the frame is returned again by the next
// Dequeue call after restart, ensuring every spooled message eventually
// reaches its target node even across a restart of this process.
//
// # Wire-independent storage
//
// Frames are stored as the control tuple and payload term encoded with
// internal/etf's context-free Encode — not with internal/dist's
// cache-compressed EncodeMessage. The distribution header's atom cache is
// scoped to a single live connection, so a frame spooled while disconnected
// cannot carry a cache reference that will still be valid on whatever
// connection eventually flushes it. Storing the plain terms and
// re-encoding through dist.EncodeMessage at flush time, against that
// connection's own live cache, sidesteps the mismatch entirely.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/edpclient/edp/internal/dist"
	"github.com/edpclient/edp/internal/etf"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Spool is a WAL-mode SQLite-backed durable spool of outbound distribution
// messages, keyed by target node name. It is safe for concurrent use.
type Spool struct {
	db    *sql.DB
	depth atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// Open seeds the internal depth counter from the number of rows currently
// marked as pending (delivered = 0), so Depth() is accurate immediately
// after a crash-recovery restart.
func Open(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("outbox: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when multiple goroutines
	// call Enqueue concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: set synchronous = NORMAL: %w", err)
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: apply schema: %w", err)
	}

	s := &Spool{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM outbound_frames WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: count pending rows: %w", err)
	}
	s.depth.Store(count)

	return s, nil
}

// ddl is the schema DDL, kept here to keep the package self-contained.
const ddl = `
CREATE TABLE IF NOT EXISTS outbound_frames (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    target_node TEXT    NOT NULL,
    ctrl        BLOB    NOT NULL,
    payload     BLOB,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_outbound_frames_pending
    ON outbound_frames (target_node, delivered, id);
`

// Enqueue persists msg, addressed to targetNode, to the spool. The message
// is stored with delivered = 0 and is included in subsequent Dequeue results
// for targetNode until Ack is called for its ID.
func (s *Spool) Enqueue(ctx context.Context, targetNode string, msg dist.Message) error {
	ctrlTerm, err := dist.EncodeControl(msg.Control)
	if err != nil {
		return fmt.Errorf("outbox: encode control: %w", err)
	}
	ctrlBytes, err := etf.Encode(ctrlTerm)
	if err != nil {
		return fmt.Errorf("outbox: encode control term: %w", err)
	}

	var payloadBytes []byte
	if msg.Payload != nil {
		payloadBytes, err = etf.Encode(msg.Payload)
		if err != nil {
			return fmt.Errorf("outbox: encode payload: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outbound_frames (target_node, ctrl, payload) VALUES (?, ?, ?)`,
		targetNode, ctrlBytes, payloadBytes,
	)
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}

	s.depth.Add(1)
	return nil
}

// Frame is an unacknowledged outbound message returned by Dequeue. ID is the
// database primary key used to acknowledge the frame via Ack.
type Frame struct {
	ID         int64
	TargetNode string
	Msg        dist.Message
}

// Dequeue returns up to n unacknowledged frames addressed to targetNode, in
// insertion order (oldest first). It does not mark frames as delivered; call
// Ack with the returned IDs to do that. If n ≤ 0, Dequeue returns nil
// without querying the database.
func (s *Spool) Dequeue(ctx context.Context, targetNode string, n int) ([]Frame, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ctrl, payload
		 FROM   outbound_frames
		 WHERE  target_node = ? AND delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, targetNode, n)
	if err != nil {
		return nil, fmt.Errorf("outbox: dequeue query: %w", err)
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var (
			id           int64
			ctrlBytes    []byte
			payloadBytes []byte
		)
		if err := rows.Scan(&id, &ctrlBytes, &payloadBytes); err != nil {
			return nil, fmt.Errorf("outbox: dequeue scan: %w", err)
		}

		ctrlTerm, err := etf.Decode(ctrlBytes)
		if err != nil {
			return nil, fmt.Errorf("outbox: decode control term for id %d: %w", id, err)
		}
		ctrl, err := dist.DecodeControl(ctrlTerm)
		if err != nil {
			return nil, fmt.Errorf("outbox: decode control for id %d: %w", id, err)
		}

		var payload etf.Term
		if payloadBytes != nil {
			payload, err = etf.Decode(payloadBytes)
			if err != nil {
				return nil, fmt.Errorf("outbox: decode payload for id %d: %w", id, err)
			}
		}

		frames = append(frames, Frame{
			ID:         id,
			TargetNode: targetNode,
			Msg:        dist.Message{Control: ctrl, Payload: payload},
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: dequeue rows: %w", err)
	}
	return frames, nil
}

// Ack marks the frames identified by ids as delivered. Acknowledged frames
// are excluded from subsequent Dequeue results. Ack is idempotent: calling
// it multiple times with the same IDs is safe.
//
// The depth counter is decremented by the number of rows whose delivered
// column transitions from 0 to 1 (already-acked IDs are skipped).
func (s *Spool) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE outbound_frames SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("outbox: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	s.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) frames across all
// target nodes. It reads from an atomic counter updated by Enqueue and Ack,
// so it never blocks.
func (s *Spool) Depth() int {
	return int(s.depth.Load())
}

// Close closes the underlying database connection. Subsequent calls to any
// method are undefined; callers must not use the spool after Close returns.
func (s *Spool) Close() error {
	return s.db.Close()
}
