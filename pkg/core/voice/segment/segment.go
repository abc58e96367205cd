// Package segment tracks the state of one speech segment at a time and turns
// raw transcription events into deduplicated "new content" deltas suitable
// for incremental synthesis.
package segment

import (
	"strings"
	"time"

	"github.com/voicebridge/voicebridge/pkg/core/voice/textdiff"
)

const (
	// DefaultMinFinalConfidence rejects low-confidence final transcripts so
	// background noise is not synthesized.
	DefaultMinFinalConfidence = 0.7

	// DefaultSilenceTimeout ends a segment when no transcription event has
	// arrived for this long, covering providers that never emit finals.
	DefaultSilenceTimeout = 2 * time.Second

	// DefaultDedupWindow bounds the set of remembered final-transcript
	// fingerprints for long calls.
	DefaultDedupWindow = 10
)

// Delta is a unit of new content to synthesize.
type Delta struct {
	Text  string
	Final bool
}

// Config tunes the tracker. Zero values fall back to the defaults above.
type Config struct {
	MinFinalConfidence float64
	SilenceTimeout     time.Duration
	DedupWindow        int
	Now                func() time.Time
}

// Tracker converts a stream of (transcript, isFinal, confidence) events into
// deltas. It is not safe for concurrent use; each call session owns one
// tracker and drives it from its event loop.
type Tracker struct {
	cfg Config

	previousInterim string
	cumulativeSent  string
	firstSent       bool

	completed []uint64

	lastEventAt   time.Time
	segmentActive bool
}

// NewTracker returns a tracker ready for the first segment.
func NewTracker(cfg Config) *Tracker {
	if cfg.MinFinalConfidence <= 0 {
		cfg.MinFinalConfidence = DefaultMinFinalConfidence
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{cfg: cfg}
}

// Observe feeds one transcription event through the segment state machine
// and returns the deltas to synthesize, in order. Confidence is nil when the
// provider did not report one.
func (t *Tracker) Observe(transcript string, isFinal bool, confidence *float64) []Delta {
	if strings.TrimSpace(transcript) == "" {
		return nil
	}
	t.lastEventAt = t.cfg.Now()
	t.segmentActive = true

	if isFinal {
		return t.observeFinal(transcript, confidence)
	}
	return t.observeInterim(transcript)
}

func (t *Tracker) observeInterim(transcript string) []Delta {
	defer func() { t.previousInterim = transcript }()

	// First fragment of a segment goes out whole and immediately, trading
	// revision risk for time-to-first-audio.
	if !t.firstSent {
		t.firstSent = true
		t.cumulativeSent = transcript
		return []Delta{{Text: transcript}}
	}

	delta := textdiff.ExtractNewContent(transcript, t.cumulativeSent)
	if strings.TrimSpace(delta) == "" {
		return nil
	}
	t.cumulativeSent = transcript
	return []Delta{{Text: delta}}
}

func (t *Tracker) observeFinal(transcript string, confidence *float64) []Delta {
	if confidence != nil && *confidence < t.cfg.MinFinalConfidence {
		// Not worth synthesizing, but the content still counts as seen so
		// later interims in this segment do not resurface it.
		t.cumulativeSent = transcript
		t.firstSent = true
		return nil
	}

	id := textdiff.Fingerprint(transcript)
	if t.seen(id) {
		return nil
	}
	t.remember(id)

	delta := textdiff.ExtractNewContent(transcript, t.cumulativeSent)
	t.reset()
	if strings.TrimSpace(delta) == "" {
		return nil
	}
	return []Delta{{Text: delta, Final: true}}
}

// ExpireIfSilent ends the current segment when the silence timeout has
// elapsed since the last transcription event. It reports whether a segment
// was ended. Guards against providers that do not reliably emit finals; the
// caller runs this from a periodic (~1s) check.
func (t *Tracker) ExpireIfSilent(now time.Time) bool {
	if !t.segmentActive {
		return false
	}
	if now.Sub(t.lastEventAt) <= t.cfg.SilenceTimeout {
		return false
	}
	t.reset()
	return true
}

// reset prepares for the next utterance. The dedup set survives resets so a
// duplicate final for the just-closed segment is still suppressed.
func (t *Tracker) reset() {
	t.previousInterim = ""
	t.cumulativeSent = ""
	t.firstSent = false
	t.segmentActive = false
}

func (t *Tracker) seen(id uint64) bool {
	for _, v := range t.completed {
		if v == id {
			return true
		}
	}
	return false
}

func (t *Tracker) remember(id uint64) {
	t.completed = append(t.completed, id)
	if len(t.completed) > t.cfg.DedupWindow {
		t.completed = t.completed[len(t.completed)-t.cfg.DedupWindow:]
	}
}
