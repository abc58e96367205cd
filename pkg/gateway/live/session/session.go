package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/core/voice/segment"
	"github.com/voicebridge/voicebridge/pkg/core/voice/stt"
	"github.com/voicebridge/voicebridge/pkg/core/voice/synth"
	"github.com/voicebridge/voicebridge/pkg/core/voice/tts"
	"github.com/voicebridge/voicebridge/pkg/gateway/live/protocol"
)

const outboundPriorityQueueSize = 16

// Config tunes one call session. Zero values fall back to defaults in New.
type Config struct {
	MaxAudioFrameBytes     int
	MaxJSONMessageBytes    int64
	MaxMediaFPS            int
	MaxMediaBytesPerSecond int64
	InboundBurstSeconds    int

	PingInterval    time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	HandshakeWait   time.Duration
	MaxCallDuration time.Duration

	// PauseTick drives the silence sweep that closes segments for
	// transcription providers that never emit a final.
	PauseTick          time.Duration
	SilenceTimeout     time.Duration
	MinFinalConfidence float64
	DedupWindow        int

	OutboundQueueSize int
	FallbackTimeout   time.Duration

	STTModel     string
	Voice        string
	Language     string
	SpeakingRate float64

	SynthKeepaliveInterval  time.Duration
	SynthKeepaliveThreshold time.Duration
	SynthMaxReconnects      int
	STTMaxRedials           int
}

// CallInfo identifies a live call for event consumers.
type CallInfo struct {
	SessionID  string    `json:"session_id"`
	StreamSid  string    `json:"stream_sid"`
	CallSid    string    `json:"call_sid"`
	AccountSid string    `json:"account_sid,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// CallSummary describes a finished call.
type CallSummary struct {
	CallInfo
	EndedAt       time.Time `json:"ended_at"`
	Reason        string    `json:"reason"`
	MediaFrames   int64     `json:"media_frames"`
	DroppedFrames int64     `json:"dropped_frames"`
	Deltas        int64     `json:"deltas"`
	SynthesizedMS int64     `json:"synthesized_ms"`
	FallbackUsed  int64     `json:"fallback_used"`
}

// EventSink receives call lifecycle events. Implementations must not block;
// the session calls them from its event loop.
type EventSink interface {
	CallStarted(info CallInfo)
	CallEnded(summary CallSummary)
}

// Dependencies wires a call session together.
type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	STT       stt.Dialer
	Synth     synth.Dialer
	Fallback  tts.Synthesizer
	Events    EventSink
	Config    Config
	SessionID string
	RequestID string
	StartTime time.Time
	Now       func() time.Time
}

// CallSession owns one provider media stream for its whole lifetime: it
// relays caller audio into transcription, turns transcript deltas into
// synthesis requests, and relays converted audio back to the caller.
type CallSession struct {
	conn        *websocket.Conn
	logger      *slog.Logger
	sttDialer   stt.Dialer
	synthDialer synth.Dialer
	fallback    tts.Synthesizer
	events      EventSink
	cfg         Config
	sessionID   string
	requestID   string
	startTime   time.Time
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	relayMu sync.Mutex
	relay   *relay
	info    CallInfo

	mediaFrames   atomic.Int64
	droppedFrames atomic.Int64
	deltaCount    atomic.Int64
	fallbackCount atomic.Int64
	lastActivity  atomic.Int64

	fallbackWG sync.WaitGroup
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// Snapshot is the session's state for health and admin reporting.
type Snapshot struct {
	CallInfo
	RequestID     string     `json:"request_id,omitempty"`
	UptimeMS      int64      `json:"uptime_ms"`
	MediaFrames   int64      `json:"media_frames"`
	DroppedFrames int64      `json:"dropped_frames"`
	Deltas        int64      `json:"deltas"`
	Relay         relayStats `json:"relay"`
}

func New(deps Dependencies) (*CallSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.STT == nil {
		return nil, fmt.Errorf("transcription dialer is required")
	}
	if deps.Synth == nil && deps.Fallback == nil {
		return nil, fmt.Errorf("a synthesis dialer or fallback synthesizer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.HandshakeWait <= 0 {
		deps.Config.HandshakeWait = 10 * time.Second
	}
	if deps.Config.PauseTick <= 0 {
		deps.Config.PauseTick = time.Second
	}
	if deps.Config.FallbackTimeout <= 0 {
		deps.Config.FallbackTimeout = 5 * time.Second
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	prioritySize := deps.Config.OutboundQueueSize
	if prioritySize > outboundPriorityQueueSize {
		prioritySize = outboundPriorityQueueSize
	}
	s := &CallSession{
		conn:             deps.Conn,
		logger:           deps.Logger,
		sttDialer:        deps.STT,
		synthDialer:      deps.Synth,
		fallback:         deps.Fallback,
		events:           deps.Events,
		cfg:              deps.Config,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		startTime:        deps.StartTime,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, prioritySize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}
	return s, nil
}

// Cancel tears the session down from outside the event loop.
func (s *CallSession) Cancel() {
	s.cancel()
}

// StartedAt reports when the connection was accepted.
func (s *CallSession) StartedAt() time.Time { return s.startTime }

// LastActivity reports when the provider last sent a frame. Used by the
// registry's idle sweep.
func (s *CallSession) LastActivity() time.Time {
	if nanos := s.lastActivity.Load(); nanos > 0 {
		return time.Unix(0, nanos)
	}
	return s.startTime
}

func (s *CallSession) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// Snapshot reports the session's current state. Safe to call concurrently
// with the event loop; before the start frame arrives the call identity is
// empty.
func (s *CallSession) Snapshot() Snapshot {
	s.relayMu.Lock()
	info := s.info
	var rs relayStats
	if s.relay != nil {
		rs = s.relay.Stats()
	}
	s.relayMu.Unlock()

	return Snapshot{
		CallInfo:      info,
		RequestID:     s.requestID,
		UptimeMS:      s.now().Sub(s.startTime).Milliseconds(),
		MediaFrames:   s.mediaFrames.Load(),
		DroppedFrames: s.droppedFrames.Load(),
		Deltas:        s.deltaCount.Load(),
		Relay:         rs,
	}
}

// Run drives the session until the caller hangs up, a stage fails
// unrecoverably, or the context is canceled.
func (s *CallSession) Run() error {
	defer s.cancel()
	defer s.fallbackWG.Wait()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	go s.readLoop(readCh)

	start, err := s.awaitStart(readCh)
	if err != nil {
		s.logger.Warn("live: handshake failed", "error", err, "session_id", s.sessionID)
		return err
	}
	s.touch()

	info := CallInfo{
		SessionID:  s.sessionID,
		StreamSid:  start.SID(),
		CallSid:    start.Start.CallSid,
		AccountSid: start.Start.AccountSid,
		StartedAt:  s.startTime,
	}
	rly := newRelay(info.StreamSid, s.outboundPriority, s.outboundNormal, s.logger)
	s.relayMu.Lock()
	s.info = info
	s.relay = rly
	s.relayMu.Unlock()

	s.logger.Info("live: call started",
		"session_id", s.sessionID,
		"stream_sid", info.StreamSid,
		"call_sid", info.CallSid,
		"start", start.RedactedForLog(),
	)
	if s.events != nil {
		s.events.CallStarted(info)
	}

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
			isStale:  rly.IsStale,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	transcriber, err := stt.OpenReconnecting(s.ctx, s.sttDialer, stt.StreamOptions{
		Model:      s.cfg.STTModel,
		Language:   s.cfg.Language,
		Encoding:   "pcm_mulaw",
		SampleRate: protocol.TelephonySampleRate,
	}, stt.ReconnectOptions{
		MaxRedials: s.cfg.STTMaxRedials,
		Logger:     s.logger,
	})
	if err != nil {
		s.finish(info, "stt_unavailable", writerErrCh)
		return fmt.Errorf("open transcription: %w", err)
	}
	defer transcriber.Close()

	var speaker *synth.Session
	if s.synthDialer != nil {
		speaker, err = synth.Open(s.ctx, s.synthDialer, synth.Config{
			Voice:      s.cfg.Voice,
			Language:   s.cfg.Language,
			Encoding:   "ulaw",
			SampleRate: protocol.TelephonySampleRate,
		}, synth.Options{
			KeepaliveInterval:  s.cfg.SynthKeepaliveInterval,
			KeepaliveThreshold: s.cfg.SynthKeepaliveThreshold,
			MaxReconnects:      s.cfg.SynthMaxReconnects,
			Logger:             s.logger,
			Now:                s.now,
		})
		if err != nil {
			if s.fallback == nil {
				s.finish(info, "synth_unavailable", writerErrCh)
				return fmt.Errorf("open synthesis: %w", err)
			}
			s.logger.Warn("live: streaming synthesis unavailable, using one-shot fallback",
				"error", err, "session_id", s.sessionID)
			speaker = nil
		}
	}
	if speaker != nil {
		defer speaker.Close()
	}

	tracker := segment.NewTracker(segment.Config{
		MinFinalConfidence: s.cfg.MinFinalConfidence,
		SilenceTimeout:     s.cfg.SilenceTimeout,
		DedupWindow:        s.cfg.DedupWindow,
		Now:                s.now,
	})

	limiter := newMediaFrameLimiter(s.now, s.cfg.MaxMediaFPS, s.cfg.MaxMediaBytesPerSecond, s.cfg.InboundBurstSeconds)

	pauseTicker := time.NewTicker(s.cfg.PauseTick)
	defer pauseTicker.Stop()

	var deadlineCh <-chan time.Time
	if s.cfg.MaxCallDuration > 0 {
		deadlineTimer := time.NewTimer(s.cfg.MaxCallDuration)
		defer deadlineTimer.Stop()
		deadlineCh = deadlineTimer.C
	}

	synthChunks, synthErrs := synthChannels(speaker)

	reason := "closed"
	var runErr error

loop:
	for {
		select {
		case <-s.ctx.Done():
			reason = "canceled"
			break loop

		case <-deadlineCh:
			reason = "max_duration"
			break loop

		case frame, ok := <-readCh:
			if !ok {
				reason = "read_closed"
				break loop
			}
			if frame.err != nil {
				if websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					reason = "peer_closed"
				} else {
					reason = "read_error"
					runErr = frame.err
				}
				break loop
			}
			stop := s.handleInbound(frame, limiter, transcriber, rly)
			if stop {
				reason = "stop"
				break loop
			}

		case delta, ok := <-transcriber.Deltas():
			if !ok {
				reason = "stt_failed"
				runErr = transcriber.Err()
				break loop
			}
			for _, d := range tracker.Observe(delta.Text, delta.IsFinal, delta.Confidence) {
				s.deltaCount.Add(1)
				s.speak(d.Text, speaker, rly)
			}

		case chunk, ok := <-synthChunks:
			if !ok {
				synthChunks = nil
				continue
			}
			rly.Deliver(chunk.Generation, chunk.Audio, chunk.Keepalive)

		case synthErr := <-synthErrs:
			// The session already exhausted its own reconnect budget; from
			// here every delta goes through the one-shot fallback.
			s.logger.Error("live: streaming synthesis lost",
				"error", synthErr, "session_id", s.sessionID)
			rly.Clear()
			speaker = nil
			synthErrs = nil
			if s.fallback == nil {
				reason = "synth_failed"
				runErr = synthErr
				break loop
			}

		case <-pauseTicker.C:
			if tracker.ExpireIfSilent(s.now()) {
				if err := transcriber.Finalize(); err != nil {
					s.logger.Debug("live: finalize after silence", "error", err)
				}
			}
			rly.FlushMark()
		}
	}

	s.finish(info, reason, writerErrCh)
	if runErr != nil {
		s.logger.Warn("live: call ended with error",
			"reason", reason, "error", runErr, "session_id", s.sessionID)
	}
	return runErr
}

// handleInbound dispatches one decoded provider frame. Returns true when the
// provider signalled end of stream.
func (s *CallSession) handleInbound(frame inboundFrame, limiter *mediaFrameLimiter, transcriber *stt.Reconnecting, rly *relay) bool {
	msg, err := protocol.DecodeInbound(frame.data)
	if err != nil {
		s.logger.Warn("live: dropping malformed frame", "error", err, "session_id", s.sessionID)
		return false
	}
	s.touch()

	switch m := msg.(type) {
	case protocol.Media:
		audio, err := m.Audio()
		if err != nil {
			s.logger.Warn("live: media payload not decodable", "error", err)
			return false
		}
		if s.cfg.MaxAudioFrameBytes > 0 && len(audio) > s.cfg.MaxAudioFrameBytes {
			s.droppedFrames.Add(1)
			return false
		}
		if !limiter.Allow(len(audio)) {
			s.droppedFrames.Add(1)
			return false
		}
		s.mediaFrames.Add(1)
		if err := transcriber.SendAudio(audio); err != nil {
			s.logger.Debug("live: transcription write failed", "error", err)
		}

	case protocol.Stop:
		return true

	case protocol.Mark:
		rly.HandleMark(m.Mark.Name)

	case protocol.DTMF:
		s.logger.Info("live: dtmf", "digit", m.DTMF.Digit, "session_id", s.sessionID)

	case protocol.Connected:
		// Harmless duplicate after the handshake.

	case protocol.Start:
		s.logger.Warn("live: duplicate start frame ignored", "session_id", s.sessionID)
	}
	return false
}

// speak routes one transcript delta to synthesis. It tags the delta with a
// fresh generation first, so audio still in flight for the previous delta is
// superseded from this moment.
func (s *CallSession) speak(text string, speaker *synth.Session, rly *relay) {
	gen := rly.NextGeneration()

	if speaker != nil && speaker.Writable() {
		speaker.AddText(text, gen)
		return
	}
	if s.fallback == nil {
		s.logger.Warn("live: no synthesis path for delta", "session_id", s.sessionID)
		return
	}

	if audio, ok := rly.Memo(text); ok {
		rly.Deliver(gen, audio, false)
		return
	}

	// One-shot synthesis is a blocking round trip; keep it off the event
	// loop. The generation check in Deliver handles late results.
	s.fallbackCount.Add(1)
	s.fallbackWG.Add(1)
	go func() {
		defer s.fallbackWG.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FallbackTimeout)
		defer cancel()
		res, err := s.fallback.Synthesize(ctx, text, tts.SynthesizeOptions{
			Voice:      s.cfg.Voice,
			Speed:      s.cfg.SpeakingRate,
			Language:   s.cfg.Language,
			Format:     "ulaw",
			SampleRate: protocol.TelephonySampleRate,
		})
		if err != nil {
			s.logger.Warn("live: fallback synthesis failed", "error", err, "session_id", s.sessionID)
			return
		}
		rly.StoreMemo(text, res.Audio)
		rly.Deliver(gen, res.Audio, false)
	}()
}

// awaitStart consumes frames until the provider's start event arrives.
// Connected frames are expected first and skipped.
func (s *CallSession) awaitStart(readCh <-chan inboundFrame) (protocol.Start, error) {
	wait := time.NewTimer(s.cfg.HandshakeWait)
	defer wait.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return protocol.Start{}, s.ctx.Err()
		case <-wait.C:
			return protocol.Start{}, fmt.Errorf("no start frame within %s", s.cfg.HandshakeWait)
		case frame, ok := <-readCh:
			if !ok {
				return protocol.Start{}, errors.New("connection closed before start frame")
			}
			if frame.err != nil {
				return protocol.Start{}, frame.err
			}
			msg, err := protocol.DecodeInbound(frame.data)
			if err != nil {
				return protocol.Start{}, err
			}
			switch m := msg.(type) {
			case protocol.Connected:
				continue
			case protocol.Start:
				return m, nil
			default:
				// Media before start has nowhere to go yet.
				s.logger.Debug("live: frame before start ignored",
					"type", fmt.Sprintf("%T", msg), "session_id", s.sessionID)
			}
		}
	}
}

// finish cancels the session, waits briefly for the writer to flush queued
// priority frames, and publishes the call summary.
func (s *CallSession) finish(info CallInfo, reason string, writerErrCh <-chan error) {
	s.cancel()

	wait := 100 * time.Millisecond
	if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
		wait = s.cfg.WriteTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-writerErrCh:
	case <-timer.C:
	}

	var rs relayStats
	s.relayMu.Lock()
	if s.relay != nil {
		rs = s.relay.Stats()
	}
	s.relayMu.Unlock()

	summary := CallSummary{
		CallInfo:      info,
		EndedAt:       s.now(),
		Reason:        reason,
		MediaFrames:   s.mediaFrames.Load(),
		DroppedFrames: s.droppedFrames.Load(),
		Deltas:        s.deltaCount.Load(),
		SynthesizedMS: rs.SentMS,
		FallbackUsed:  s.fallbackCount.Load(),
	}
	s.logger.Info("live: call ended",
		"session_id", s.sessionID,
		"stream_sid", info.StreamSid,
		"reason", reason,
		"media_frames", summary.MediaFrames,
		"dropped_frames", summary.DroppedFrames,
		"deltas", summary.Deltas,
		"synthesized_ms", summary.SynthesizedMS,
	)
	if s.events != nil {
		s.events.CallEnded(summary)
	}
}

func (s *CallSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// synthChannels unwraps the optional streaming session's channels so the
// select in Run can treat a missing session as permanently-blocked cases.
func synthChannels(speaker *synth.Session) (<-chan synth.Chunk, <-chan error) {
	if speaker == nil {
		return nil, nil
	}
	return speaker.Chunks(), speaker.Err()
}
