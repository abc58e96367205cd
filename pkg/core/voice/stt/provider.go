// Package stt provides live speech-to-text streaming for call audio.
package stt

import "context"

// TranscriptDelta is one streaming transcript update. Interim updates carry
// the transcript accumulated so far for the current utterance; a final marks
// the utterance complete.
type TranscriptDelta struct {
	Text       string   // Cumulative transcript for the current utterance
	IsFinal    bool     // True when the provider finalizes the utterance
	Confidence *float64 // Provider confidence in [0,1]; nil when not reported
	Timestamp  float64  // Audio position in seconds, when reported
}

// StreamOptions configures a live transcription stream.
type StreamOptions struct {
	Model      string  // Provider-specific model (default: "ink-whisper")
	Language   string  // ISO language code (default: "en")
	Encoding   string  // Raw audio encoding (default: "pcm_mulaw")
	SampleRate int     // Audio sample rate in Hz (default: 8000)
	MinVolume  float64 // Volume gate for background noise filtering
}

// Stream is a live transcription session. Audio goes in via SendAudio;
// deltas come out of Deltas. The Deltas channel closes when the stream ends
// for any reason; Err then reports why.
type Stream interface {
	SendAudio(data []byte) error
	Finalize() error
	Deltas() <-chan TranscriptDelta
	Err() error
	Close() error
}

// Dialer opens transcription streams.
type Dialer interface {
	Dial(ctx context.Context, opts StreamOptions) (Stream, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, opts StreamOptions) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, opts StreamOptions) (Stream, error) {
	return f(ctx, opts)
}
