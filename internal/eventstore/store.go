package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of event rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending events even when the batch has not yet reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for connection-lifecycle
// history.
//
// Event ingestion is batched: callers enqueue individual ConnectionEvent
// values via BatchInsertEvents, which accumulates them in memory and
// flushes to the database either when the buffer reaches batchSize or when
// the background ticker fires, whichever comes first.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []ConnectionEvent
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]ConnectionEvent, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered events, and closes the connection pool. It is safe to call
// Close more than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertEvents enqueues evt for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is
// called synchronously before returning so that the caller observes
// back-pressure rather than unbounded memory growth.
func (s *Store) BatchInsertEvents(ctx context.Context, evt ConnectionEvent) error {
	s.mu.Lock()
	s.batch = append(s.batch, evt)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current event buffer and sends all rows to PostgreSQL
// in a single pgx.Batch round-trip. Rows that conflict on the primary key
// are silently ignored (idempotent replay support).
//
// Flush is safe to call concurrently: a mutex swap ensures each call
// drains a distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]ConnectionEvent, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO connection_events
			(event_id, node_name, peer_name, event_type, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		e := &toInsert[i]
		var detail any // nil is sent as SQL NULL
		if e.Detail != nil {
			detail = []byte(e.Detail)
		}
		b.Queue(query,
			e.EventID, e.NodeName, e.PeerName,
			string(e.EventType), detail, e.OccurredAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec connection event: %w", err)
		}
	}
	return nil
}

// QueryEvents returns paginated connection events that fall within
// [q.From, q.To) on the occurred_at column.
//
// Optional filter: q.PeerName (exact match). q.Limit defaults to 100;
// q.Offset enables cursor-style pagination. Results are ordered by
// occurred_at DESC, event_id ASC.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]ConnectionEvent, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE occurred_at >= $1 AND occurred_at < $2"
	if q.PeerName != "" {
		where += " AND peer_name = $5"
		args = append(args, q.PeerName)
	}

	sql := fmt.Sprintf(`
		SELECT event_id, node_name, peer_name, event_type, detail, occurred_at
		FROM   connection_events
		%s
		ORDER  BY occurred_at DESC, event_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query connection events: %w", err)
	}
	defer rows.Close()

	var events []ConnectionEvent
	for rows.Next() {
		var e ConnectionEvent
		var detail []byte
		var eventType string
		err := rows.Scan(
			&e.EventID, &e.NodeName, &e.PeerName,
			&eventType, &detail, &e.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan connection event: %w", err)
		}
		e.EventType = EventType(eventType)
		e.Detail = detail
		events = append(events, e)
	}
	return events, rows.Err()
}
