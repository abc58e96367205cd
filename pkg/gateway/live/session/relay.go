package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/voicebridge/voicebridge/pkg/gateway/live/protocol"
)

// relay forwards synthesized audio chunks to the provider socket in arrival
// order, tagged with the call's generation counter. Chunks whose generation
// no longer matches the current counter belong to superseded speech and are
// dropped; keepalive-attributed chunks never reach the caller at all.
type relay struct {
	streamSid string
	logger    *slog.Logger
	priority  chan<- outboundFrame
	normal    chan<- outboundFrame

	mu           sync.Mutex
	counter      uint64
	lastSent     uint64 // generation of the most recently enqueued audio
	lastPlayed   uint64 // generation confirmed played via mark echo
	sentBytes    int64
	sentFrames   int64
	dropStale    int64
	dropKeep     int64
	dropBackpres int64

	// Exact-text synthesis memo for the one-shot fallback path. Keyed by
	// normalized text, unbounded for the process lifetime; growth is capped
	// in practice by call length and the fallback being rare.
	memo map[string][]byte
}

// relayStats is a point-in-time snapshot for health reporting.
type relayStats struct {
	Generation     uint64 `json:"generation"`
	SentFrames     int64  `json:"sent_frames"`
	SentMS         int64  `json:"sent_ms"`
	DroppedStale   int64  `json:"dropped_stale"`
	DroppedKeep    int64  `json:"dropped_keepalive"`
	DroppedBackpre int64  `json:"dropped_backpressure"`
}

func newRelay(streamSid string, priority, normal chan<- outboundFrame, logger *slog.Logger) *relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &relay{
		streamSid: streamSid,
		logger:    logger,
		priority:  priority,
		normal:    normal,
		memo:      make(map[string][]byte),
	}
}

// NextGeneration bumps the counter and returns the value to tag the next
// synthesis request with. Incremented before assignment: in-flight audio of
// the previous request is stale from this moment on.
func (r *relay) NextGeneration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	return r.counter
}

// Current returns the live generation.
func (r *relay) Current() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counter
}

// IsStale reports whether audio tagged with gen has been superseded.
func (r *relay) IsStale(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen != r.counter
}

// Deliver enqueues one audio chunk for the caller. Returns true when the
// chunk was accepted for writing. A full outbound queue drops the frame with
// a log line rather than stalling the event loop.
func (r *relay) Deliver(gen uint64, audio []byte, keepalive bool) bool {
	if len(audio) == 0 {
		return false
	}
	r.mu.Lock()
	if keepalive {
		r.dropKeep++
		r.mu.Unlock()
		return false
	}
	if gen != r.counter {
		r.dropStale++
		current := r.counter
		r.mu.Unlock()
		r.logger.Debug("relay: dropping stale audio", "gen", gen, "current", current)
		return false
	}

	// Generation boundary: ask the provider to echo a mark once everything
	// queued for the previous generation has played.
	var boundary *outboundFrame
	if r.lastSent != 0 && r.lastSent != gen {
		if payload, err := json.Marshal(protocol.OutboundMark(r.streamSid, markName(r.lastSent))); err == nil {
			boundary = &outboundFrame{payload: payload}
		}
	}
	r.lastSent = gen
	r.sentBytes += int64(len(audio))
	r.sentFrames++
	r.mu.Unlock()

	if boundary != nil {
		r.enqueuePriority(*boundary)
	}

	payload, err := json.Marshal(protocol.OutboundMedia(r.streamSid, audio))
	if err != nil {
		r.logger.Warn("relay: encode media frame", "error", err)
		return false
	}
	frame := outboundFrame{payload: payload, isAudio: true, generation: gen}
	select {
	case r.normal <- frame:
		return true
	default:
		r.mu.Lock()
		r.dropBackpres++
		r.mu.Unlock()
		r.logger.Warn("relay: outbound queue full, dropping audio frame", "gen", gen)
		return false
	}
}

// FlushMark requests a playback mark for the most recent generation. Called
// from the pause sweep so tail audio gets a confirmation too.
func (r *relay) FlushMark() {
	r.mu.Lock()
	gen := r.lastSent
	acked := r.lastPlayed
	r.mu.Unlock()
	if gen == 0 || gen == acked {
		return
	}
	payload, err := json.Marshal(protocol.OutboundMark(r.streamSid, markName(gen)))
	if err != nil {
		return
	}
	r.enqueuePriority(outboundFrame{payload: payload})
}

// HandleMark records a provider mark echo.
func (r *relay) HandleMark(name string) {
	gen, ok := parseMarkName(name)
	if !ok {
		return
	}
	r.mu.Lock()
	if gen > r.lastPlayed {
		r.lastPlayed = gen
	}
	r.mu.Unlock()
}

// Clear asks the provider to discard any audio still buffered for playback.
// Used at teardown and when the synthesis stream dies, so the caller does
// not hear seconds of stale speech afterwards.
func (r *relay) Clear() {
	payload, err := json.Marshal(protocol.OutboundClear(r.streamSid))
	if err != nil {
		return
	}
	r.enqueuePriority(outboundFrame{payload: payload})
}

func (r *relay) enqueuePriority(frame outboundFrame) {
	select {
	case r.priority <- frame:
	default:
		r.logger.Warn("relay: priority queue full, dropping control frame")
	}
}

// Memo returns cached one-shot audio for the normalized text.
func (r *relay) Memo(text string) ([]byte, bool) {
	key := memoKey(text)
	if key == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	audio, ok := r.memo[key]
	return audio, ok
}

// StoreMemo caches one-shot audio for the normalized text.
func (r *relay) StoreMemo(text string, audio []byte) {
	key := memoKey(text)
	if key == "" || len(audio) == 0 {
		return
	}
	r.mu.Lock()
	r.memo[key] = audio
	r.mu.Unlock()
}

// Stats reports playback accounting. Mu-law telephony audio is one byte per
// sample at 8kHz, so milliseconds fall straight out of byte counts.
func (r *relay) Stats() relayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return relayStats{
		Generation:     r.counter,
		SentFrames:     r.sentFrames,
		SentMS:         r.sentBytes / 8,
		DroppedStale:   r.dropStale,
		DroppedKeep:    r.dropKeep,
		DroppedBackpre: r.dropBackpres,
	}
}

func markName(gen uint64) string { return fmt.Sprintf("g%d", gen) }

func parseMarkName(name string) (uint64, bool) {
	name = strings.TrimSpace(name)
	if !strings.HasPrefix(name, "g") {
		return 0, false
	}
	gen, err := strconv.ParseUint(name[1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

func memoKey(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
