package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	cartesiaDefaultBaseURL = "https://api.cartesia.ai"
	cartesiaVersion        = "2025-04-16"
)

// CartesiaSynthesizer does one-shot synthesis against Cartesia's bytes API.
// It sits in the fallback chain behind ElevenLabs so a segment can still be
// voiced when that provider is degraded.
type CartesiaSynthesizer struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewCartesia(apiKey string) *CartesiaSynthesizer {
	return &CartesiaSynthesizer{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    cartesiaDefaultBaseURL,
		httpClient: &http.Client{},
	}
}

func NewCartesiaWithClient(apiKey string, client *http.Client) *CartesiaSynthesizer {
	s := NewCartesia(apiKey)
	if client != nil {
		s.httpClient = client
	}
	return s
}

func (c *CartesiaSynthesizer) WithBaseURL(base string) *CartesiaSynthesizer {
	base = strings.TrimSpace(base)
	if base != "" {
		c.baseURL = base
	}
	return c
}

func (c *CartesiaSynthesizer) Name() string { return "cartesia" }

func (c *CartesiaSynthesizer) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("cartesia api key is required")
	}
	voiceID := strings.TrimSpace(opts.Voice)
	if voiceID == "" {
		return nil, fmt.Errorf("voice id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required")
	}

	format, rate := cartesiaOutputFormatFor(opts)
	reqBody := cartesiaTTSRequest{
		ModelID:      "sonic-3",
		Transcript:   text,
		Voice:        cartesiaVoiceSpec{Mode: "id", ID: voiceID},
		OutputFormat: format,
	}
	if opts.Speed != 0 {
		reqBody.GenerationConfig = &cartesiaGenerationConfig{Speed: opts.Speed}
	}
	if opts.Language != "" {
		reqBody.Language = &opts.Language
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return &Synthesis{Audio: []byte{}, Format: synthesisFormatName(format), SampleRate: rate}, nil
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("cartesia error %d: %s", resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	out := &Synthesis{Audio: audio, Format: synthesisFormatName(format), SampleRate: rate}
	if out.Format == "ulaw" {
		out.Duration = float64(len(audio)) / float64(rate)
	} else if out.Format == "pcm" {
		out.Duration = float64(len(audio)) / float64(rate*2)
	}
	return out, nil
}

type cartesiaTTSRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoiceSpec         `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	Language         *string                   `json:"language,omitempty"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type cartesiaGenerationConfig struct {
	Speed float64 `json:"speed,omitempty"`
}

// cartesiaOutputFormatFor maps synthesis options to Cartesia's output_format
// object. The telephony default is raw mu-law at 8kHz so the relay can
// forward bytes without touching them.
func cartesiaOutputFormatFor(opts SynthesizeOptions) (cartesiaOutputFormat, int) {
	switch strings.ToLower(opts.Format) {
	case "", "ulaw", "mulaw", "pcm_mulaw":
		return cartesiaOutputFormat{Container: "raw", Encoding: "pcm_mulaw", SampleRate: 8000}, 8000
	case "pcm", "pcm_s16le", "raw":
		rate := opts.SampleRate
		if rate <= 0 {
			rate = 24000
		}
		return cartesiaOutputFormat{Container: "raw", Encoding: "pcm_s16le", SampleRate: rate}, rate
	default:
		return cartesiaOutputFormat{Container: "raw", Encoding: "pcm_mulaw", SampleRate: 8000}, 8000
	}
}

func synthesisFormatName(format cartesiaOutputFormat) string {
	if format.Encoding == "pcm_mulaw" {
		return "ulaw"
	}
	return "pcm"
}
