package synth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultElevenLabsWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"

const defaultElevenLabsModel = "eleven_flash_v2_5"

// ElevenLabsDialer opens streaming synthesis connections against the
// ElevenLabs stream-input websocket API.
type ElevenLabsDialer struct {
	APIKey    string
	BaseWSURL string
	ModelID   string
}

// Dial connects and returns a Stream. The configuration frame is not sent
// here; the session sends it via SendConfig so that reconnects reuse the
// same path.
func (d *ElevenLabsDialer) Dial(ctx context.Context, cfg Config) (Stream, error) {
	if strings.TrimSpace(d.APIKey) == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		return nil, fmt.Errorf("voice id is required")
	}
	wsURL, err := buildElevenLabsWSURL(strings.TrimSpace(d.BaseWSURL), strings.TrimSpace(d.ModelID), cfg)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("xi-api-key", strings.TrimSpace(d.APIKey))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, err
	}
	s := &elevenLabsStream{
		conn:   conn,
		chunks: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type elevenLabsStream struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	errMu   sync.Mutex

	chunks    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	lastServerError string
	lastClose       string
}

// SendConfig sends the opening frame: a single space plus voice settings.
// ElevenLabs requires it before any text and again after every reconnect.
func (s *elevenLabsStream) SendConfig(cfg Config) error {
	return s.writeJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	})
}

// SendText submits one fragment. A flush is requested on every write so
// short deltas synthesize immediately instead of waiting for the provider's
// internal buffering heuristics.
func (s *elevenLabsStream) SendText(text string) error {
	payload := text
	if strings.TrimSpace(payload) != "" && !strings.HasSuffix(payload, " ") {
		payload += " "
	}
	return s.writeJSON(map[string]any{
		"text":  payload,
		"flush": true,
	})
}

func (s *elevenLabsStream) Chunks() <-chan []byte { return s.chunks }

// Err reports why the stream ended. Server-side error payloads seen during
// the connection are folded in so the caller can classify the failure.
func (s *elevenLabsStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	parts := make([]string, 0, 2)
	if s.lastClose != "" {
		parts = append(parts, s.lastClose)
	}
	if s.lastServerError != "" {
		parts = append(parts, "server_error="+s.lastServerError)
	}
	if len(parts) == 0 {
		return nil
	}
	return errors.New("elevenlabs stream: " + strings.Join(parts, " "))
}

func (s *elevenLabsStream) Close() error {
	s.closeOnce.Do(func() {
		// Empty text is the end-of-stream marker; best effort.
		_ = s.writeJSON(map[string]any{"text": ""})
		close(s.closed)
		_ = s.conn.Close()
	})
	return nil
}

func (s *elevenLabsStream) readLoop() {
	defer close(s.chunks)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.setLastClose(fmt.Sprintf("close code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
			} else {
				s.setLastClose(strings.TrimSpace(err.Error()))
			}
			return
		}

		var msg map[string]json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if serverErr := decodeString(msg["error"]); serverErr != "" {
			s.setLastServerError(serverErr)
		} else if serverErr := decodeString(msg["message"]); serverErr != "" {
			s.setLastServerError(serverErr)
		} else if serverErr := decodeString(msg["detail"]); serverErr != "" {
			s.setLastServerError(serverErr)
		}

		audioB64 := decodeString(msg["audio"])
		if audioB64 == "" {
			continue
		}
		audio, err := decodeBase64Any(audioB64)
		if err != nil {
			s.setLastServerError("invalid audio base64")
			continue
		}
		if len(audio) == 0 {
			continue
		}

		select {
		case s.chunks <- audio:
		case <-s.closed:
			return
		}
	}
}

func (s *elevenLabsStream) writeJSON(payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteJSON(payload); err != nil {
		reason := s.failureReason()
		if reason == "" {
			return err
		}
		return fmt.Errorf("%w (elevenlabs %s)", err, reason)
	}
	return nil
}

func (s *elevenLabsStream) setLastServerError(msg string) {
	msg = compactReason(msg)
	if msg == "" {
		return
	}
	s.errMu.Lock()
	s.lastServerError = msg
	s.errMu.Unlock()
}

func (s *elevenLabsStream) setLastClose(msg string) {
	msg = compactReason(msg)
	if msg == "" {
		return
	}
	s.errMu.Lock()
	s.lastClose = msg
	s.errMu.Unlock()
}

func (s *elevenLabsStream) failureReason() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	parts := make([]string, 0, 2)
	if s.lastServerError != "" {
		parts = append(parts, "server_error="+s.lastServerError)
	}
	if s.lastClose != "" {
		parts = append(parts, "close="+s.lastClose)
	}
	return strings.Join(parts, " ")
}

func buildElevenLabsWSURL(base, modelID string, cfg Config) (string, error) {
	if base == "" {
		base = defaultElevenLabsWSBase
	}
	if modelID == "" {
		modelID = defaultElevenLabsModel
	}
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(cfg.Voice))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws base url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/text-to-speech/" + url.PathEscape(cfg.Voice) + "/stream-input"
	}
	q := u.Query()
	if q.Get("model_id") == "" {
		q.Set("model_id", modelID)
	}
	if q.Get("output_format") == "" {
		q.Set("output_format", outputFormat(cfg))
	}
	if q.Get("apply_text_normalization") == "" {
		q.Set("apply_text_normalization", "off")
	}
	if q.Get("inactivity_timeout") == "" {
		q.Set("inactivity_timeout", "60")
	}
	if cfg.Language != "" && q.Get("language_code") == "" {
		q.Set("language_code", cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// outputFormat maps the session audio config to an ElevenLabs format name.
// Telephony callers use ulaw_8000 so no resampling happens on our side.
func outputFormat(cfg Config) string {
	switch strings.ToLower(cfg.Encoding) {
	case "", "ulaw", "mulaw", "pcm_mulaw":
		return "ulaw_8000"
	case "pcm", "pcm_s16le":
		rate := cfg.SampleRate
		if rate <= 0 {
			rate = 24000
		}
		return fmt.Sprintf("pcm_%d", rate)
	default:
		return "ulaw_8000"
	}
}

func decodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func decodeBase64Any(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("invalid base64")
}

func compactReason(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > 300 {
		msg = msg[:300] + "…"
	}
	return msg
}
