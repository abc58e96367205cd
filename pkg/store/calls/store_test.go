package calls

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voicebridge/voicebridge/pkg/gateway/live/session"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu    sync.Mutex
	execs []execCall
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (f *fakeDB) calls() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]execCall, len(f.execs))
	copy(out, f.execs)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForExecs(t *testing.T, db *fakeDB, n int) []execCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := db.calls(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d execs, got %d", n, len(db.calls()))
	return nil
}

func TestStore_PersistsStartAndSummary(t *testing.T) {
	db := &fakeDB{}
	s := newStore(db, testLogger())

	started := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	info := session.CallInfo{SessionID: "call_1", StreamSid: "MZ1", CallSid: "CA1", AccountSid: "AC1", StartedAt: started}
	s.CallStarted(info)
	s.CallEnded(session.CallSummary{
		CallInfo:      info,
		EndedAt:       started.Add(30 * time.Second),
		Reason:        "stop",
		MediaFrames:   1500,
		Deltas:        12,
		SynthesizedMS: 6000,
	})

	calls := waitForExecs(t, db, 2)

	if !strings.Contains(calls[0].sql, "INSERT INTO calls") || !strings.Contains(calls[0].sql, "DO NOTHING") {
		t.Fatalf("start sql=%q", calls[0].sql)
	}
	if calls[0].args[0] != "call_1" || calls[0].args[2] != "CA1" {
		t.Fatalf("start args=%v", calls[0].args)
	}

	if !strings.Contains(calls[1].sql, "DO UPDATE") {
		t.Fatalf("summary sql=%q", calls[1].sql)
	}
	if calls[1].args[6] != "stop" {
		t.Fatalf("summary reason arg=%v", calls[1].args[6])
	}
	if calls[1].args[10] != int64(6000) {
		t.Fatalf("summary synthesized_ms arg=%v", calls[1].args[10])
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Close(ctx)
}

func TestStore_CloseDrainsQueue(t *testing.T) {
	db := &fakeDB{}
	s := newStore(db, testLogger())

	for i := 0; i < 10; i++ {
		s.CallStarted(session.CallInfo{SessionID: "call_n", StartedAt: time.Now()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Close(ctx)

	if got := len(db.calls()); got != 10 {
		t.Fatalf("execs=%d, want 10", got)
	}
}

func TestStore_QueueFullDropsInsteadOfBlocking(t *testing.T) {
	// No worker: construct manually so the queue cannot drain.
	s := &Store{
		db:     &fakeDB{},
		logger: testLogger(),
		events: make(chan event, 1),
		done:   make(chan struct{}),
	}

	doneCh := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			s.CallStarted(session.CallInfo{SessionID: "call_x"})
		}
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	if len(s.events) != 1 {
		t.Fatalf("queued=%d, want 1", len(s.events))
	}
}
