package synth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultKeepaliveInterval  = 3 * time.Second
	defaultKeepaliveThreshold = 2 * time.Second
	defaultMaxReconnects      = 3
	defaultReconnectBackoff   = 500 * time.Millisecond
)

// Options tunes a Session. Zero values use the package defaults.
type Options struct {
	KeepaliveInterval  time.Duration
	KeepaliveThreshold time.Duration
	MaxReconnects      int
	ReconnectBackoff   time.Duration

	Logger *slog.Logger
	Now    func() time.Time
	Sleep  func(time.Duration)
}

// Session owns one streaming synthesis connection for the lifetime of a
// call. Text goes in through AddText; tagged audio comes out of Chunks.
// All methods are safe for concurrent use.
type Session struct {
	dialer Dialer
	cfg    Config
	opts   Options
	logger *slog.Logger

	chunks     chan Chunk
	chunksOnce sync.Once
	errCh      chan error
	errOnce    sync.Once
	done       chan struct{}

	// readWG covers every goroutine that may send on chunks (read loops and
	// the reconnect worker that spawns them); chunks is closed only after
	// done is closed and readWG drains.
	readWG sync.WaitGroup

	mu            sync.Mutex
	state         State
	stream        Stream
	reconnects    int
	totalRecons   int64
	lastTextAt    time.Time
	lastKeepalive time.Time
	openedAt      time.Time

	// Attribution for chunks read off the stream: the generation and kind
	// of the most recent write.
	writeGen       uint64
	writeKeepalive bool

	textCount      int64
	keepaliveCount int64
	audioChunks    int64
	audioBytes     int64
	pendingTextAt  time.Time
	latencyTotal   time.Duration
	latencyCount   int64
}

// Open dials the provider, sends the configuration frame, and starts the
// keepalive and read loops. Failure here is fatal and non-retryable: the
// caller gets no session.
func Open(ctx context.Context, dialer Dialer, cfg Config, opts Options) (*Session, error) {
	if dialer == nil {
		return nil, fmt.Errorf("synth: dialer is required")
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepaliveInterval
	}
	if opts.KeepaliveThreshold <= 0 {
		opts.KeepaliveThreshold = defaultKeepaliveThreshold
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = defaultMaxReconnects
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = defaultReconnectBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}

	stream, err := dialer.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("synth: dial: %w", err)
	}
	if err := stream.SendConfig(cfg); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("synth: configure: %w", err)
	}

	now := opts.Now()
	s := &Session{
		dialer:        dialer,
		cfg:           cfg,
		opts:          opts,
		logger:        opts.Logger,
		chunks:        make(chan Chunk, 64),
		errCh:         make(chan error, 1),
		done:          make(chan struct{}),
		state:         StateActive,
		stream:        stream,
		lastTextAt:    now,
		lastKeepalive: now,
		openedAt:      now,
	}

	s.readWG.Add(1)
	go s.readLoop(stream)
	go s.keepaliveLoop()
	go func() {
		<-s.done
		s.readWG.Wait()
		s.chunksOnce.Do(func() { close(s.chunks) })
	}()
	return s, nil
}

// Chunks delivers synthesized audio tagged with generation ids.
// The channel closes when the session terminates.
func (s *Session) Chunks() <-chan Chunk { return s.chunks }

// Err delivers at most one terminal error: reconnect exhaustion or a fatal
// stream failure. A clean Close delivers nothing.
func (s *Session) Err() <-chan error { return s.errCh }

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Writable reports whether AddText would currently reach the provider.
func (s *Session) Writable() bool { return s.State() == StateActive }

// AddText submits one delta for synthesis under the given generation.
// If the session is not active the text is dropped with a log line; callers
// needing guaranteed audio fall back to a one-shot synthesizer.
func (s *Session) AddText(text string, generation uint64) {
	normalized := normalizeForProsody(text)
	if normalized == "" {
		return
	}

	s.mu.Lock()
	if s.state != StateActive || s.stream == nil {
		state := s.state
		s.mu.Unlock()
		s.logger.Debug("synth: dropping text, session not active", "state", state.String(), "gen", generation)
		return
	}
	stream := s.stream
	s.writeGen = generation
	s.writeKeepalive = false
	s.mu.Unlock()

	if err := stream.SendText(normalized); err != nil {
		s.logger.Warn("synth: text write failed", "error", err, "gen", generation)
		s.handleStreamFailure(stream, err)
		return
	}

	s.mu.Lock()
	now := s.opts.Now()
	s.lastTextAt = now
	s.textCount++
	// A successful write is evidence the connection is healthy again.
	s.reconnects = 0
	if s.pendingTextAt.IsZero() {
		s.pendingTextAt = now
	}
	s.mu.Unlock()
}

// Close shuts the session down gracefully and emits final metrics.
// Idempotent and safe to call concurrently with in-flight writes.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	close(s.done)
	if stream != nil {
		_ = stream.Close()
	}

	m := s.Metrics()
	s.logger.Info("synth: session closed",
		"duration_ms", m.Duration.Milliseconds(),
		"text_count", m.TextCount,
		"audio_bytes", m.AudioBytes,
		"reconnects", m.Reconnects,
	)
}

// Metrics returns a snapshot of accumulated session activity without
// mutating state.
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{
		Duration:       s.opts.Now().Sub(s.openedAt),
		TextCount:      s.textCount,
		KeepaliveCount: s.keepaliveCount,
		AudioChunks:    s.audioChunks,
		AudioBytes:     s.audioBytes,
		Reconnects:     s.totalRecons,
	}
	if s.latencyCount > 0 {
		m.AvgTextLatency = s.latencyTotal / time.Duration(s.latencyCount)
	}
	return m
}

func (s *Session) readLoop(stream Stream) {
	defer s.readWG.Done()
	for audio := range stream.Chunks() {
		s.mu.Lock()
		gen := s.writeGen
		keepalive := s.writeKeepalive
		if !keepalive {
			s.audioChunks++
			s.audioBytes += int64(len(audio))
			if !s.pendingTextAt.IsZero() {
				s.latencyTotal += s.opts.Now().Sub(s.pendingTextAt)
				s.latencyCount++
				s.pendingTextAt = time.Time{}
			}
		}
		s.mu.Unlock()

		select {
		case s.chunks <- Chunk{Audio: audio, Generation: gen, Keepalive: keepalive}:
		case <-s.done:
			return
		}
	}
	s.handleStreamFailure(stream, stream.Err())
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.maybeKeepalive()
		}
	}
}

// maybeKeepalive writes a single whitespace frame when neither real text nor
// a previous keepalive has gone out within the threshold. The write keeps
// the provider from aborting an idle stream; it never updates lastTextAt and
// never counts toward reconnect-counter resets.
func (s *Session) maybeKeepalive() {
	s.mu.Lock()
	if s.state != StateActive || s.stream == nil {
		s.mu.Unlock()
		return
	}
	now := s.opts.Now()
	if now.Sub(s.lastTextAt) < s.opts.KeepaliveThreshold || now.Sub(s.lastKeepalive) < s.opts.KeepaliveThreshold {
		s.mu.Unlock()
		return
	}
	stream := s.stream
	s.writeKeepalive = true
	s.lastKeepalive = now
	s.keepaliveCount++
	s.mu.Unlock()

	if err := stream.SendText(" "); err != nil {
		s.logger.Warn("synth: keepalive write failed", "error", err)
		s.handleStreamFailure(stream, err)
	}
}

// handleStreamFailure classifies a stream error and either starts a
// reconnect or terminates the session. Only the first report for the
// current stream acts; racing reports for the same stream are ignored.
func (s *Session) handleStreamFailure(failed Stream, err error) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateReconnecting || s.stream != failed {
		s.mu.Unlock()
		return
	}
	if err == nil {
		err = fmt.Errorf("synthesis stream ended")
	}
	if !classifyStreamError(err) || s.reconnects >= s.opts.MaxReconnects {
		s.mu.Unlock()
		s.terminate(err)
		return
	}
	s.state = StateReconnecting
	s.stream = nil
	s.readWG.Add(1)
	s.mu.Unlock()

	_ = failed.Close()
	s.logger.Warn("synth: recoverable stream error, reconnecting", "error", err)
	go s.reconnect()
}

func (s *Session) reconnect() {
	defer s.readWG.Done()
	for {
		s.mu.Lock()
		if s.state != StateReconnecting {
			s.mu.Unlock()
			return
		}
		s.reconnects++
		s.totalRecons++
		attempt := s.reconnects
		maxAttempts := s.opts.MaxReconnects
		s.mu.Unlock()

		if attempt > maxAttempts {
			s.terminate(fmt.Errorf("reconnect attempts exhausted after %d tries", maxAttempts))
			return
		}

		s.opts.Sleep(s.opts.ReconnectBackoff * time.Duration(attempt))
		select {
		case <-s.done:
			return
		default:
		}

		stream, err := s.dialer.Dial(context.Background(), s.cfg)
		if err == nil {
			if cfgErr := stream.SendConfig(s.cfg); cfgErr != nil {
				_ = stream.Close()
				err = cfgErr
			}
		}
		if err != nil {
			s.logger.Warn("synth: reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		s.mu.Lock()
		if s.state != StateReconnecting {
			s.mu.Unlock()
			_ = stream.Close()
			return
		}
		s.state = StateActive
		s.stream = stream
		s.mu.Unlock()

		s.logger.Info("synth: stream reconnected", "attempt", attempt)
		s.readWG.Add(1)
		go s.readLoop(stream)
		return
	}
}

// terminate closes the session with a terminal error, surfaced exactly once.
func (s *Session) terminate(cause error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	close(s.done)
	if stream != nil {
		_ = stream.Close()
	}
	s.errOnce.Do(func() {
		s.errCh <- fmt.Errorf("%w: %v", ErrSessionClosed, cause)
	})
	s.logger.Error("synth: session terminated", "error", cause)
}
