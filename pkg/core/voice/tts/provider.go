// Package tts provides one-shot text-to-speech used as the fallback path
// when a live synthesis stream is unavailable.
package tts

import "context"

// Synthesizer converts a complete text into a single audio buffer.
// The live path streams audio incrementally; this interface exists for
// segments that must still be voiced after that path has failed.
type Synthesizer interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts text to audio in one round trip.
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice      string  // Voice identifier
	Speed      float64 // Speed multiplier (0.6-1.5, default 1.0)
	Language   string  // Language code
	Format     string  // Output encoding: "ulaw" or "pcm"
	SampleRate int     // Sample rate: 8000 for the telephony path
}

// Synthesis is the result of synthesis.
type Synthesis struct {
	Audio      []byte  // Audio data
	Format     string  // Audio encoding of the returned data
	SampleRate int     // Sample rate of the returned data
	Duration   float64 // Duration in seconds (if available)
}

// Fallbacks tries each synthesizer in order until one succeeds.
type Fallbacks []Synthesizer

func (f Fallbacks) Name() string { return "fallbacks" }

func (f Fallbacks) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	var lastErr error
	for _, s := range f {
		out, err := s.Synthesize(ctx, text, opts)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrNoSynthesizer
	}
	return nil, lastErr
}

// ErrNoSynthesizer is returned by an empty fallback chain.
var ErrNoSynthesizer = &noSynthesizerError{}

type noSynthesizerError struct{}

func (e *noSynthesizerError) Error() string { return "no synthesizer configured" }
