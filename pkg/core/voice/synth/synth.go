// Package synth maintains one long-lived, bidirectional streaming synthesis
// connection per call, resilient to provider idle timeouts and transient
// network errors.
package synth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Config is the synthesis configuration frame sent before any text.
type Config struct {
	Voice      string
	Language   string
	Encoding   string
	SampleRate int
}

// Chunk is one synthesized audio payload, tagged with the generation of the
// text submission it belongs to. Keepalive chunks carry whatever negligible
// audio the provider produced for a placeholder write and must never reach
// the transport.
type Chunk struct {
	Audio      []byte
	Generation uint64
	Keepalive  bool
}

// Stream is one underlying provider connection. Implementations must close
// the Chunks channel when the connection ends, after which Err reports why.
type Stream interface {
	SendConfig(cfg Config) error
	SendText(text string) error
	Chunks() <-chan []byte
	Err() error
	Close() error
}

// Dialer establishes streams; the session redials through it on recovery.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Stream, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, cfg Config) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, cfg Config) (Stream, error) { return f(ctx, cfg) }

// ErrSessionClosed is surfaced once on Err() when the session terminates
// because reconnection attempts were exhausted or the failure was fatal.
var ErrSessionClosed = errors.New("synthesis session closed")

// State is the session lifecycle phase.
type State int

const (
	StateConfigured State = iota
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Metrics is a point-in-time snapshot of session activity.
type Metrics struct {
	Duration        time.Duration
	TextCount       int64
	KeepaliveCount  int64
	AudioChunks     int64
	AudioBytes      int64
	Reconnects     int64
	AvgTextLatency time.Duration
}

// classifyStreamError decides whether a stream failure is worth a reconnect.
// Providers signal idle-timeout aborts either as deadline errors or as close
// messages mentioning a timeout; anything else is treated as fatal.
func classifyStreamError(err error) (recoverable bool) {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "aborted", "deadline exceeded", "going away", "abnormal closure"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

/// normalizeForProsody prepares a delta for synthesis: collapse internal
// whitespace and give multi-word fragments terminal punctuation so the
// synthesizer phrases them naturally.
func normalizeForProsody(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	out := strings.Join(fields, " ")
	if len(fields) > 1 && !strings.ContainsRune(".!?,;:", rune(out[len(out)-1])) {
		out += "."
	}
	return out
}
