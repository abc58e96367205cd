package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMaxRedials    = 3
	defaultRedialBackoff = 500 * time.Millisecond
)

// ReconnectOptions tunes the reconnecting wrapper. Zero values use package
// defaults; Logger, Sleep and the context are injectable for tests.
type ReconnectOptions struct {
	MaxRedials int
	Backoff    time.Duration
	Logger     *slog.Logger
	Sleep      func(time.Duration)
}

// Reconnecting wraps a transcription stream and redials it when the
// provider drops the connection mid-call. Audio sent while no stream is up
// is discarded; speech during an outage is simply lost rather than queued,
// since stale audio would produce transcripts out of order.
type Reconnecting struct {
	dialer Dialer
	sopts  StreamOptions
	ropts  ReconnectOptions
	logger *slog.Logger

	deltas chan TranscriptDelta
	closed chan struct{}

	mu      sync.Mutex
	cur     Stream
	redials int
	done    bool
	err     error

	closeOnce sync.Once
}

// OpenReconnecting dials the first stream and starts the supervising loop.
func OpenReconnecting(ctx context.Context, dialer Dialer, sopts StreamOptions, ropts ReconnectOptions) (*Reconnecting, error) {
	if ropts.MaxRedials <= 0 {
		ropts.MaxRedials = defaultMaxRedials
	}
	if ropts.Backoff <= 0 {
		ropts.Backoff = defaultRedialBackoff
	}
	if ropts.Logger == nil {
		ropts.Logger = slog.Default()
	}
	if ropts.Sleep == nil {
		ropts.Sleep = time.Sleep
	}

	first, err := dialer.Dial(ctx, sopts)
	if err != nil {
		return nil, fmt.Errorf("stt: dial: %w", err)
	}

	r := &Reconnecting{
		dialer: dialer,
		sopts:  sopts,
		ropts:  ropts,
		logger: ropts.Logger,
		deltas: make(chan TranscriptDelta, 100),
		closed: make(chan struct{}),
	}
	r.mu.Lock()
	r.cur = first
	r.mu.Unlock()

	go r.supervise(first)
	return r, nil
}

// Deltas yields transcript updates across redials. Closes when the wrapper
// is closed or redials are exhausted.
func (r *Reconnecting) Deltas() <-chan TranscriptDelta { return r.deltas }

// Err reports the terminal error after Deltas closes, nil on clean close.
func (r *Reconnecting) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// SendAudio forwards audio to the live stream. During an outage the frame
// is dropped and nil is returned so the caller's media loop keeps running.
func (r *Reconnecting) SendAudio(data []byte) error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return fmt.Errorf("stt: stream closed")
	}
	cur := r.cur
	r.mu.Unlock()
	if cur == nil {
		return nil
	}
	if err := cur.SendAudio(data); err != nil {
		// The supervising loop notices the dead stream via its Deltas
		// channel; the caller just loses this frame.
		r.logger.Debug("stt: audio write failed", "error", err)
	}
	return nil
}

// Finalize flushes the current stream if one is up.
func (r *Reconnecting) Finalize() error {
	r.mu.Lock()
	cur := r.cur
	done := r.done
	r.mu.Unlock()
	if done {
		return fmt.Errorf("stt: stream closed")
	}
	if cur == nil {
		return nil
	}
	return cur.Finalize()
}

// Close tears the wrapper down. Idempotent.
func (r *Reconnecting) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.done = true
		cur := r.cur
		r.cur = nil
		r.mu.Unlock()
		close(r.closed)
		if cur != nil {
			_ = cur.Close()
		}
	})
	return nil
}

func (r *Reconnecting) supervise(stream Stream) {
	defer close(r.deltas)
	for {
		streamErr := r.pump(stream)

		r.mu.Lock()
		if r.done {
			r.mu.Unlock()
			return
		}
		r.cur = nil
		r.redials++
		attempt := r.redials
		maxRedials := r.ropts.MaxRedials
		r.mu.Unlock()

		_ = stream.Close()
		if attempt > maxRedials {
			r.fail(fmt.Errorf("stt: redial attempts exhausted after %d tries (last error: %v)", maxRedials, streamErr))
			return
		}
		r.logger.Warn("stt: stream dropped, redialing", "attempt", attempt, "error", streamErr)

		next, ok := r.redial(attempt)
		if !ok {
			return
		}
		stream = next
	}
}

// pump copies deltas from one underlying stream until it dies, returning
// the stream's terminal error. A delivered delta is proof of a healthy
// connection and resets the redial budget.
func (r *Reconnecting) pump(stream Stream) error {
	for delta := range stream.Deltas() {
		select {
		case r.deltas <- delta:
			r.mu.Lock()
			r.redials = 0
			r.mu.Unlock()
		case <-r.closed:
			return nil
		}
	}
	return stream.Err()
}

func (r *Reconnecting) redial(attempt int) (Stream, bool) {
	for {
		r.ropts.Sleep(r.ropts.Backoff * time.Duration(attempt))
		select {
		case <-r.closed:
			return nil, false
		default:
		}

		next, err := r.dialer.Dial(context.Background(), r.sopts)
		if err == nil {
			r.mu.Lock()
			if r.done {
				r.mu.Unlock()
				_ = next.Close()
				return nil, false
			}
			r.cur = next
			r.mu.Unlock()
			r.logger.Info("stt: stream redialed", "attempt", attempt)
			return next, true
		}

		r.mu.Lock()
		r.redials++
		attempt = r.redials
		maxRedials := r.ropts.MaxRedials
		done := r.done
		r.mu.Unlock()
		if done {
			return nil, false
		}
		if attempt > maxRedials {
			r.fail(fmt.Errorf("stt: redial attempts exhausted after %d tries (last error: %v)", maxRedials, err))
			return nil, false
		}
		r.logger.Warn("stt: redial failed", "attempt", attempt, "error", err)
	}
}

func (r *Reconnecting) fail(err error) {
	r.mu.Lock()
	if !r.done {
		r.done = true
		r.err = err
	}
	cur := r.cur
	r.cur = nil
	r.mu.Unlock()
	if cur != nil {
		_ = cur.Close()
	}
	r.logger.Error("stt: transcription unrecoverable", "error", err)
}
