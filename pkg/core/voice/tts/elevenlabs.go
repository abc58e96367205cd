package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const elevenLabsDefaultBaseURL = "https://api.elevenlabs.io"

// ElevenLabsSynthesizer does one-shot synthesis over the plain HTTP
// endpoint. It shares credentials with the streaming path but no state.
type ElevenLabsSynthesizer struct {
	apiKey     string
	baseURL    string
	modelID    string
	httpClient *http.Client
}

func NewElevenLabs(apiKey string) *ElevenLabsSynthesizer {
	return &ElevenLabsSynthesizer{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    elevenLabsDefaultBaseURL,
		modelID:    "eleven_flash_v2_5",
		httpClient: &http.Client{},
	}
}

func NewElevenLabsWithClient(apiKey string, client *http.Client) *ElevenLabsSynthesizer {
	s := NewElevenLabs(apiKey)
	if client != nil {
		s.httpClient = client
	}
	return s
}

func (e *ElevenLabsSynthesizer) WithBaseURL(base string) *ElevenLabsSynthesizer {
	base = strings.TrimSpace(base)
	if base != "" {
		e.baseURL = base
	}
	return e
}

func (e *ElevenLabsSynthesizer) Name() string { return "elevenlabs" }

func (e *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	if e.apiKey == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	voiceID := strings.TrimSpace(opts.Voice)
	if voiceID == "" {
		return nil, fmt.Errorf("voice id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required")
	}

	format, rate := oneShotFormat(opts)
	u, err := url.Parse(e.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid elevenlabs base url: %w", err)
	}
	u.Path = "/v1/text-to-speech/" + url.PathEscape(voiceID)
	q := u.Query()
	q.Set("output_format", format)
	u.RawQuery = q.Encode()

	body := map[string]any{
		"text":     text,
		"model_id": e.modelID,
	}
	if opts.Language != "" {
		body["language_code"] = opts.Language
	}
	if opts.Speed > 0 {
		body["voice_settings"] = map[string]any{"speed": opts.Speed}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("elevenlabs error %d: %s", resp.StatusCode, string(msg))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	out := &Synthesis{Audio: audio, SampleRate: rate}
	if strings.HasPrefix(format, "ulaw") {
		out.Format = "ulaw"
		out.Duration = float64(len(audio)) / float64(rate)
	} else {
		out.Format = "pcm"
		out.Duration = float64(len(audio)) / float64(rate*2)
	}
	return out, nil
}

// oneShotFormat maps synthesis options to an ElevenLabs output format name
// plus the resulting sample rate.
func oneShotFormat(opts SynthesizeOptions) (string, int) {
	rate := opts.SampleRate
	switch strings.ToLower(opts.Format) {
	case "", "ulaw", "mulaw", "pcm_mulaw":
		return "ulaw_8000", 8000
	case "pcm", "pcm_s16le":
		if rate <= 0 {
			rate = 24000
		}
		return fmt.Sprintf("pcm_%d", rate), rate
	default:
		return "ulaw_8000", 8000
	}
}
