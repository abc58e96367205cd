// Package calls persists call detail records to Postgres.
package calls

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"github.com/pressly/goose/v3"

	"github.com/voicebridge/voicebridge/pkg/gateway/live/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const eventQueueSize = 256

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type event struct {
	started *session.CallInfo
	ended   *session.CallSummary
}

// Store writes call records through a buffered queue so the session event
// loop never waits on the database.
type Store struct {
	pool   *pgxpool.Pool
	db     db
	logger *slog.Logger

	events chan event
	done   chan struct{}
}

// Open connects, runs pending migrations, and starts the write queue.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := migrate(databaseURL); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := newStore(pool, logger)
	s.pool = pool
	logger.Info("store: connected")
	return s, nil
}

func newStore(database db, logger *slog.Logger) *Store {
	s := &Store{
		db:     database,
		logger: logger,
		events: make(chan event, eventQueueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func migrate(databaseURL string) error {
	sqlDB, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(sqlDB, "migrations")
}

// CallStarted implements session.EventSink.
func (s *Store) CallStarted(info session.CallInfo) {
	s.enqueue(event{started: &info})
}

// CallEnded implements session.EventSink.
func (s *Store) CallEnded(sum session.CallSummary) {
	s.enqueue(event{ended: &sum})
}

func (s *Store) enqueue(ev event) {
	if s == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("store: event queue full, dropping call record event")
	}
}

func (s *Store) run() {
	defer close(s.done)
	for ev := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		switch {
		case ev.started != nil:
			s.persistStarted(ctx, *ev.started)
		case ev.ended != nil:
			s.persistEnded(ctx, *ev.ended)
		}
		cancel()
	}
}

func (s *Store) persistStarted(ctx context.Context, info session.CallInfo) {
	const q = `
INSERT INTO calls (session_id, stream_sid, call_sid, account_sid, started_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id) DO NOTHING`
	if _, err := s.db.Exec(ctx, q, info.SessionID, info.StreamSid, info.CallSid, info.AccountSid, info.StartedAt); err != nil {
		s.logger.Warn("store: insert call start", "session_id", info.SessionID, "error", err)
	}
}

func (s *Store) persistEnded(ctx context.Context, sum session.CallSummary) {
	// Upsert so a summary still lands when the start row was dropped.
	const q = `
INSERT INTO calls (session_id, stream_sid, call_sid, account_sid, started_at,
                   ended_at, reason, media_frames, dropped_frames, deltas,
                   synthesized_ms, fallback_used)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (session_id) DO UPDATE SET
    ended_at = EXCLUDED.ended_at,
    reason = EXCLUDED.reason,
    media_frames = EXCLUDED.media_frames,
    dropped_frames = EXCLUDED.dropped_frames,
    deltas = EXCLUDED.deltas,
    synthesized_ms = EXCLUDED.synthesized_ms,
    fallback_used = EXCLUDED.fallback_used`
	if _, err := s.db.Exec(ctx, q,
		sum.SessionID, sum.StreamSid, sum.CallSid, sum.AccountSid, sum.StartedAt,
		sum.EndedAt, sum.Reason, sum.MediaFrames, sum.DroppedFrames, sum.Deltas,
		sum.SynthesizedMS, sum.FallbackUsed,
	); err != nil {
		s.logger.Warn("store: upsert call summary", "session_id", sum.SessionID, "error", err)
	}
}

// CallRecord is one finished or in-flight call row.
type CallRecord struct {
	SessionID     string     `json:"session_id"`
	StreamSid     string     `json:"stream_sid"`
	CallSid       string     `json:"call_sid"`
	AccountSid    string     `json:"account_sid,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	MediaFrames   int64      `json:"media_frames"`
	DroppedFrames int64      `json:"dropped_frames"`
	Deltas        int64      `json:"deltas"`
	SynthesizedMS int64      `json:"synthesized_ms"`
	FallbackUsed  int64      `json:"fallback_used"`
}

// RecentCalls returns the newest records first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT session_id, stream_sid, call_sid, account_sid, started_at, ended_at,
       reason, media_frames, dropped_frames, deltas, synthesized_ms, fallback_used
FROM calls
ORDER BY started_at DESC
LIMIT $1`
	rows, err := s.db.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CallRecord, 0, limit)
	for rows.Next() {
		var rec CallRecord
		if err := rows.Scan(
			&rec.SessionID, &rec.StreamSid, &rec.CallSid, &rec.AccountSid,
			&rec.StartedAt, &rec.EndedAt, &rec.Reason, &rec.MediaFrames,
			&rec.DroppedFrames, &rec.Deltas, &rec.SynthesizedMS, &rec.FallbackUsed,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close drains queued events, then releases the pool.
func (s *Store) Close(ctx context.Context) {
	if s == nil {
		return
	}
	close(s.events)
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("store: close timed out with events still queued")
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
