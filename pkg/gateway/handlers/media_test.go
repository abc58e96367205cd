package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/core/voice/stt"
	"github.com/voicebridge/voicebridge/pkg/core/voice/tts"
	"github.com/voicebridge/voicebridge/pkg/gateway/config"
	"github.com/voicebridge/voicebridge/pkg/gateway/lifecycle"
	"github.com/voicebridge/voicebridge/pkg/gateway/live/session"
	"github.com/voicebridge/voicebridge/pkg/gateway/live/sessions"
)

type nullSTTStream struct {
	deltas chan stt.TranscriptDelta
	once   sync.Once
}

func newNullSTTStream() *nullSTTStream {
	return &nullSTTStream{deltas: make(chan stt.TranscriptDelta)}
}

func (s *nullSTTStream) SendAudio([]byte) error              { return nil }
func (s *nullSTTStream) Finalize() error                     { return nil }
func (s *nullSTTStream) Deltas() <-chan stt.TranscriptDelta { return s.deltas }
func (s *nullSTTStream) Err() error                          { return nil }
func (s *nullSTTStream) Close() error {
	s.once.Do(func() { close(s.deltas) })
	return nil
}

type staticSynthesizer struct{}

func (staticSynthesizer) Name() string { return "static" }

func (staticSynthesizer) Synthesize(context.Context, string, tts.SynthesizeOptions) (*tts.Synthesis, error) {
	return &tts.Synthesis{Audio: []byte{0x7f, 0x7f}, Format: "ulaw", SampleRate: 8000}, nil
}

type recordedCalls struct {
	mu      sync.Mutex
	started []session.CallInfo
	ended   []session.CallSummary
}

func (r *recordedCalls) CallStarted(info session.CallInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, info)
}

func (r *recordedCalls) CallEnded(sum session.CallSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, sum)
}

func (r *recordedCalls) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.ended)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mediaTestConfig() config.Config {
	cfg := healthyConfig()
	cfg.MaxConcurrentCalls = 4
	cfg.PauseTick = 50 * time.Millisecond
	cfg.SilenceTimeout = time.Second
	return cfg
}

func newMediaHandler(events *recordedCalls) (MediaHandler, *sessions.Tracker) {
	tracker := sessions.NewTracker()
	h := MediaHandler{
		Config: mediaTestConfig(),
		Logger: discardLogger(),
		STT: stt.DialerFunc(func(ctx context.Context, opts stt.StreamOptions) (stt.Stream, error) {
			return newNullSTTStream(), nil
		}),
		Fallback:  staticSynthesizer{},
		Calls:     tracker,
		Lifecycle: &lifecycle.Lifecycle{},
		Events:    events,
	}
	return h, tracker
}

func decodeErrorBody(t *testing.T, body string) map[string]any {
	t.Helper()
	var env struct {
		Error map[string]any `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		t.Fatalf("unmarshal error body %q: %v", body, err)
	}
	return env.Error
}

func TestMediaHandler_MethodNotAllowed(t *testing.T) {
	h, _ := newMediaHandler(&recordedCalls{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/media", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if e := decodeErrorBody(t, rr.Body.String()); e["code"] != "method_not_allowed" {
		t.Fatalf("code=%v", e["code"])
	}
}

func TestMediaHandler_DrainingRejected(t *testing.T) {
	h, _ := newMediaHandler(&recordedCalls{})
	h.Lifecycle.SetDraining(true)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/media", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if e := decodeErrorBody(t, rr.Body.String()); e["code"] != "draining" {
		t.Fatalf("code=%v", e["code"])
	}
}

func TestMediaHandler_CapacityRejected(t *testing.T) {
	h, tracker := newMediaHandler(&recordedCalls{})
	h.Config.MaxConcurrentCalls = 1
	unregister := tracker.Register("call_existing", sessions.Handle{Cancel: func() {}})
	defer unregister()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/media", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if e := decodeErrorBody(t, rr.Body.String()); e["code"] != "capacity" {
		t.Fatalf("code=%v", e["code"])
	}
}

func TestMediaHandler_BrowserOriginRejected(t *testing.T) {
	h, _ := newMediaHandler(&recordedCalls{})

	req := httptest.NewRequest(http.MethodGet, "/v1/media", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestMediaHandler_RunsCallAndTracksSession(t *testing.T) {
	events := &recordedCalls{}
	h, tracker := newMediaHandler(events)

	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	mustSend := func(v any) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	mustSend(map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	mustSend(map[string]any{
		"event":     "start",
		"streamSid": "MZ1",
		"start": map[string]any{
			"streamSid":  "MZ1",
			"callSid":    "CA1",
			"accountSid": "AC1",
			"mediaFormat": map[string]any{
				"encoding":   "audio/x-mulaw",
				"sampleRate": 8000,
				"channels":   1,
			},
		},
	})

	waitFor(t, time.Second, func() bool { return tracker.Count() == 1 })

	mustSend(map[string]any{"event": "stop", "streamSid": "MZ1"})

	waitFor(t, 2*time.Second, func() bool { return tracker.Count() == 0 })
	waitFor(t, time.Second, func() bool {
		started, ended := events.counts()
		return started == 1 && ended == 1
	})

	events.mu.Lock()
	defer events.mu.Unlock()
	if events.ended[0].Reason != "stop" {
		t.Fatalf("reason=%q", events.ended[0].Reason)
	}
	if events.started[0].CallSid != "CA1" {
		t.Fatalf("call sid=%q", events.started[0].CallSid)
	}
	if !strings.HasPrefix(events.started[0].SessionID, "call_") {
		t.Fatalf("session id=%q", events.started[0].SessionID)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
