package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"google.golang.org/genai"
)

type fakeGenerator struct {
	pcm     []byte
	err     error
	model   string
	voice   string
	gotText string
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.gotText = contents[0].Parts[0].Text
	}
	if config != nil && config.SpeechConfig != nil && config.SpeechConfig.VoiceConfig != nil && config.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig != nil {
		f.voice = config.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Parts: []*genai.Part{{InlineData: &genai.Blob{MIMEType: "audio/pcm", Data: f.pcm}}},
			},
		}},
	}, nil
}

func pcmBytes(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestGeminiSynthesizeConvertsToTelephonyAudio(t *testing.T) {
	// Two groups of three identical samples: decimation by 3 keeps each value.
	gen := &fakeGenerator{pcm: pcmBytes(0, 0, 0, -32768, -32768, -32768)}
	g := newGeminiWithGenerator(gen)

	out, err := g.Synthesize(context.Background(), "hola", SynthesizeOptions{Voice: "Puck"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if gen.model != defaultGeminiTTSModel {
		t.Errorf("model = %q", gen.model)
	}
	if gen.voice != "Puck" || gen.gotText != "hola" {
		t.Errorf("voice = %q text = %q", gen.voice, gen.gotText)
	}
	if out.Format != "ulaw" || out.SampleRate != 8000 {
		t.Fatalf("synthesis = %+v", out)
	}
	if len(out.Audio) != 2 {
		t.Fatalf("audio length = %d, want 2", len(out.Audio))
	}
	if out.Audio[0] != 0xff {
		t.Errorf("silence sample = %#x, want 0xff", out.Audio[0])
	}
	if out.Audio[1] != 0x00 {
		t.Errorf("min sample = %#x, want 0x00", out.Audio[1])
	}
}

func TestGeminiSynthesizePCMPassthrough(t *testing.T) {
	pcm := pcmBytes(100, 200, 300)
	g := newGeminiWithGenerator(&fakeGenerator{pcm: pcm})

	out, err := g.Synthesize(context.Background(), "hola", SynthesizeOptions{Format: "pcm"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if out.Format != "pcm" || out.SampleRate != geminiPCMRate {
		t.Fatalf("synthesis = %+v", out)
	}
	if len(out.Audio) != len(pcm) {
		t.Fatalf("audio mutated: %d bytes", len(out.Audio))
	}
}

func TestGeminiSynthesizeFailures(t *testing.T) {
	g := newGeminiWithGenerator(&fakeGenerator{err: errors.New("model overloaded")})
	if _, err := g.Synthesize(context.Background(), "hola", SynthesizeOptions{}); err == nil {
		t.Fatalf("provider error swallowed")
	}

	empty := newGeminiWithGenerator(&fakeGenerator{})
	if _, err := empty.Synthesize(context.Background(), "hola", SynthesizeOptions{}); err == nil {
		t.Fatalf("empty response accepted")
	}

	if _, err := g.Synthesize(context.Background(), "  ", SynthesizeOptions{}); err == nil {
		t.Fatalf("blank text accepted")
	}
}

func TestLinearToMulawKnownValues(t *testing.T) {
	cases := []struct {
		in   int16
		want byte
	}{
		{0, 0xff},
		{-32768, 0x00},
		{32767, 0x80},
	}
	for _, tc := range cases {
		if got := linearToMulaw(tc.in); got != tc.want {
			t.Errorf("linearToMulaw(%d) = %#x, want %#x", tc.in, got, tc.want)
		}
	}
}

func TestDecimatePCM16Averages(t *testing.T) {
	in := pcmBytes(3, 3, 3, 9, 9, 9, 12)
	got := decimatePCM16(in, 3)
	if len(got) != 2 || got[0] != 3 || got[1] != 9 {
		t.Fatalf("decimatePCM16 = %v, want [3 9]", got)
	}
}
