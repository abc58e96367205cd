package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultCartesiaWSURL = "wss://api.cartesia.ai/stt/websocket"
	cartesiaVersion      = "2025-04-16"
)

// CartesiaDialer opens live transcription streams against Cartesia's
// STT websocket API.
type CartesiaDialer struct {
	APIKey           string
	BaseWSURL        string
	HandshakeTimeout time.Duration
}

// Dial connects a streaming transcription session. Defaults target the
// telephony path: pcm_mulaw at 8kHz, ink-whisper, English.
func (d *CartesiaDialer) Dial(ctx context.Context, opts StreamOptions) (Stream, error) {
	if d.APIKey == "" {
		return nil, fmt.Errorf("cartesia api key is required")
	}
	base := d.BaseWSURL
	if base == "" {
		base = defaultCartesiaWSURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}

	q := u.Query()
	model := opts.Model
	if model == "" {
		model = "ink-whisper"
	}
	q.Set("model", model)

	language := opts.Language
	if language == "" {
		language = "en"
	}
	q.Set("language", language)

	encoding := opts.Encoding
	if encoding == "" {
		encoding = "pcm_mulaw"
	}
	q.Set("encoding", encoding)

	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 8000
	}
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))

	// No max_silence_duration_secs: we want continuous interim transcripts,
	// not silence-gated finals. The volume gate filters line noise.
	minVolume := opts.MinVolume
	if minVolume <= 0 {
		minVolume = 0.01
	}
	q.Set("min_volume", fmt.Sprintf("%g", minVolume))
	q.Set("api_key", d.APIKey)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("X-API-Key", d.APIKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	s := &cartesiaStream{
		conn:   conn,
		deltas: make(chan TranscriptDelta, 100),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type cartesiaStream struct {
	conn    *websocket.Conn
	deltas  chan TranscriptDelta
	done    chan struct{}
	closed  atomic.Bool
	writeMu sync.Mutex

	errMu   sync.Mutex
	lastErr error
}

func (s *cartesiaStream) readLoop() {
	defer close(s.deltas)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(fmt.Errorf("read: %w", err))
			}
			return
		}

		var msg cartesiaSTTResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "transcript":
			delta := TranscriptDelta{
				Text:       msg.Text,
				IsFinal:    msg.IsFinal,
				Confidence: msg.Probability,
			}
			if msg.Duration > 0 {
				delta.Timestamp = msg.Duration
			}
			select {
			case s.deltas <- delta:
			case <-s.done:
				return
			}

		case "flush_done":
			continue

		case "done":
			return

		case "error":
			s.setErr(fmt.Errorf("cartesia: %s", msg.Error))
			return
		}
	}
}

type cartesiaSTTResponse struct {
	Type        string   `json:"type"` // "transcript", "flush_done", "done", "error"
	Text        string   `json:"text"`
	IsFinal     bool     `json:"is_final"`
	Duration    float64  `json:"duration"`
	Language    string   `json:"language"`
	Probability *float64 `json:"probability,omitempty"`
	RequestID   string   `json:"request_id"`
	Error       string   `json:"error"`
}

// SendAudio forwards one binary frame of raw audio in the negotiated
// encoding. Callers pass Twilio media payloads through unchanged.
func (s *cartesiaStream) SendAudio(data []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Finalize flushes buffered audio into a final transcript while keeping the
// stream open for more speech.
func (s *cartesiaStream) Finalize() error {
	if s.closed.Load() {
		return fmt.Errorf("stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte("finalize"))
}

func (s *cartesiaStream) Deltas() <-chan TranscriptDelta { return s.deltas }

func (s *cartesiaStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *cartesiaStream) setErr(err error) {
	s.errMu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.errMu.Unlock()
}

func (s *cartesiaStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte("done"))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}
