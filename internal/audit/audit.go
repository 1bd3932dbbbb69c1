// Package audit collects per-request audit records off the hot path. Records
// flow through a buffered channel into a background worker that batches
// writes to the configured sink; when the sink is unavailable the trail
// degrades to structured logging, never blocking or failing a request.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Record is one audit entry, correlated with the response via AuditID.
type Record struct {
	AuditID    string    `json:"audit_id"`
	AgentID    string    `json:"agent_id,omitempty"`
	AgentType  string    `json:"agent_type,omitempty"`
	Intent     string    `json:"intent,omitempty"`
	Action     string    `json:"action,omitempty"`
	Reason     string    `json:"reason"`
	Success    bool      `json:"success"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}

// Sink persists batches of audit records.
type Sink interface {
	WriteBatch(ctx context.Context, records []Record) error
}

// ── Log Sink ────────────────────────────────────────────────

// LogSink writes audit records to the structured log. It is the degraded
// mode used when no persistent sink is configured or reachable.
type LogSink struct{}

func (LogSink) WriteBatch(_ context.Context, records []Record) error {
	for _, rec := range records {
		log.Info().
			Str("audit_id", rec.AuditID).
			Str("agent_id", rec.AgentID).
			Str("action", rec.Action).
			Bool("success", rec.Success).
			Str("reason", rec.Reason).
			Msg("audit")
	}
	return nil
}

// ── Redis Sink ──────────────────────────────────────────────

const (
	redisAuditKey = "agentrelay:audit"
	redisMaxLen   = 100_000
)

// RedisSink appends JSON audit records to a capped Redis list.
type RedisSink struct {
	rdb *redis.Client
}

// NewRedisSink connects to Redis and verifies reachability. Callers fall
// back to LogSink when this returns an error.
func NewRedisSink(ctx context.Context, addr, password string, db int) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("audit redis ping: %w", err)
	}
	return &RedisSink{rdb: rdb}, nil
}

func (s *RedisSink) WriteBatch(ctx context.Context, records []Record) error {
	pipe := s.rdb.Pipeline()
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		pipe.LPush(ctx, redisAuditKey, data)
	}
	pipe.LTrim(ctx, redisAuditKey, 0, redisMaxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("audit redis write: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}

// ── Trail ───────────────────────────────────────────────────

// Trail is the asynchronous audit pipeline: non-blocking Log on the request
// path, batched flushes in a worker, full drain on Stop.
type Trail struct {
	ch         chan Record
	sink       Sink
	batchSize  int
	flushEvery time.Duration

	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewTrail creates a trail in front of sink.
func NewTrail(sink Sink, bufferSize, batchSize int, flushEvery time.Duration) *Trail {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	return &Trail{
		ch:         make(chan Record, bufferSize),
		sink:       sink,
		batchSize:  batchSize,
		flushEvery: flushEvery,
	}
}

// Start launches the background flush worker.
func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop closes the intake and waits for the worker to drain and flush the
// remaining buffer.
func (t *Trail) Stop() {
	if t.closed.Swap(true) {
		return
	}
	close(t.ch)
	t.wg.Wait()
}

// Log enqueues a record without blocking. On overflow the record is shed to
// the structured log so the request path never stalls on the sink.
func (t *Trail) Log(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if t.closed.Load() {
		log.Warn().Str("audit_id", rec.AuditID).Msg("audit record dropped: trail is stopping")
		return
	}
	select {
	case t.ch <- rec:
	default:
		log.Error().
			Str("audit_id", rec.AuditID).
			Str("agent_id", rec.AgentID).
			Msg("audit buffer overflow, record shed to log")
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Record, 0, t.batchSize)
	ticker := time.NewTicker(t.flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background context: the request contexts are long gone and the
		// final flush runs during shutdown.
		if err := t.sink.WriteBatch(context.Background(), batch); err != nil {
			log.Error().Err(err).Int("records", len(batch)).Msg("audit flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-t.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= t.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
