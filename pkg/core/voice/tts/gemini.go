package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	defaultGeminiTTSModel = "gemini-2.5-flash-preview-tts"
	defaultGeminiVoice    = "Kore"

	// Gemini TTS returns 16-bit linear PCM at this rate.
	geminiPCMRate = 24000
)

type geminiGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiSynthesizer is a last-resort one-shot voice. Gemini only emits
// 24kHz linear PCM, so output destined for the telephony leg is decimated
// to 8kHz and companded to mu-law before it is returned.
type GeminiSynthesizer struct {
	generator geminiGenerator
	model     string
}

func NewGemini(ctx context.Context, apiKey string) (*GeminiSynthesizer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiSynthesizer{generator: client.Models, model: defaultGeminiTTSModel}, nil
}

func newGeminiWithGenerator(gen geminiGenerator) *GeminiSynthesizer {
	return &GeminiSynthesizer{generator: gen, model: defaultGeminiTTSModel}
}

func (g *GeminiSynthesizer) Name() string { return "gemini" }

func (g *GeminiSynthesizer) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required")
	}
	voice := strings.TrimSpace(opts.Voice)
	if voice == "" {
		voice = defaultGeminiVoice
	}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}

	resp, err := g.generator.GenerateContent(ctx, g.model, genai.Text(text), config)
	if err != nil {
		return nil, fmt.Errorf("gemini synthesize: %w", err)
	}

	pcm := extractInlineAudio(resp)
	if len(pcm) == 0 {
		return nil, fmt.Errorf("gemini synthesize: response carried no audio")
	}

	switch strings.ToLower(opts.Format) {
	case "", "ulaw", "mulaw", "pcm_mulaw":
		ulaw := pcm16ToMulaw(decimatePCM16(pcm, geminiPCMRate/8000))
		return &Synthesis{
			Audio:      ulaw,
			Format:     "ulaw",
			SampleRate: 8000,
			Duration:   float64(len(ulaw)) / 8000,
		}, nil
	default:
		return &Synthesis{
			Audio:      pcm,
			Format:     "pcm",
			SampleRate: geminiPCMRate,
			Duration:   float64(len(pcm)) / float64(geminiPCMRate*2),
		}, nil
	}
}

func extractInlineAudio(resp *genai.GenerateContentResponse) []byte {
	if resp == nil {
		return nil
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data
			}
		}
	}
	return nil
}

// decimatePCM16 downsamples little-endian 16-bit PCM by averaging each group
// of factor samples. Good enough for a fallback voice on a phone line.
func decimatePCM16(pcm []byte, factor int) []int16 {
	if factor < 1 {
		factor = 1
	}
	samples := len(pcm) / 2
	out := make([]int16, 0, samples/factor+1)
	for i := 0; i+factor*2 <= len(pcm); i += factor * 2 {
		var sum int32
		for j := 0; j < factor; j++ {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[i+j*2:])))
		}
		out = append(out, int16(sum/int32(factor)))
	}
	return out
}

// pcm16ToMulaw compands linear samples per G.711.
func pcm16ToMulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToMulaw(s)
	}
	return out
}

func linearToMulaw(sample int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)
	s := int32(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; exponent-- {
		mask >>= 1
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0f)
	return ^(sign | exponent<<4 | mantissa)
}
