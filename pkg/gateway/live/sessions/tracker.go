// Package sessions is the registry of live call sessions. The server uses
// it for draining on shutdown, the admin surface for listing calls, and the
// janitor for reaping calls whose provider went quiet without a stop frame.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/pkg/gateway/live/session"
)

// DefaultMaxIdle is how long a call may go without any provider frame
// before the idle sweep cancels it.
const DefaultMaxIdle = 5 * time.Minute

// Handle is what the registry needs from a call session.
type Handle struct {
	Cancel       func()
	Snapshot     func() session.Snapshot
	LastActivity func() time.Time
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds a session under its id and returns the matching
// unregister. Registering the same id twice evicts the old entry.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshots reports the state of every live call.
func (t *Tracker) Snapshots() []session.Snapshot {
	if t == nil {
		return nil
	}

	var snapshots []func() session.Snapshot
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Snapshot == nil {
			continue
		}
		snapshots = append(snapshots, entry.handle.Snapshot)
	}
	t.mu.Unlock()

	out := make([]session.Snapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		out = append(out, snap())
	}
	return out
}

// CloseIdle cancels every session with no provider activity since the
// cutoff and reports how many it reaped. Run from a periodic sweep.
func (t *Tracker) CloseIdle(maxIdle time.Duration, now time.Time) (reaped int) {
	if t == nil {
		return 0
	}
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	cutoff := now.Add(-maxIdle)

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil || entry.handle.LastActivity == nil {
			continue
		}
		if entry.handle.LastActivity().Before(cutoff) {
			cancels = append(cancels, entry.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		reaped++
	}
	return reaped
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered, or the
// context expires. It reports whether the drain completed.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
