package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/pkg/core/voice/stt"
	"github.com/voicebridge/voicebridge/pkg/gateway/config"
)

func testServerConfig() config.Config {
	return config.Config{
		MaxAudioFrameBytes:  4096,
		MaxJSONMessageBytes: 65536,
		HandshakeWait:       10 * time.Second,
		MaxCallDuration:     time.Hour,
		PauseTick:           time.Second,
		SilenceTimeout:      2 * time.Second,
		WSPingInterval:      20 * time.Second,
		WSWriteTimeout:      5 * time.Second,
		ReadHeaderTimeout:   10 * time.Second,
		CORSAllowedOrigins:  map[string]struct{}{},
	}
}

func newTestServer() *Server {
	return New(Options{
		Config: testServerConfig(),
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		STT: stt.DialerFunc(func(ctx context.Context, opts stt.StreamOptions) (stt.Stream, error) {
			return nil, context.Canceled
		}),
	})
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := newTestServer()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_HealthRoute_Reachable(t *testing.T) {
	s := newTestServer()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-Request-ID"); got == "" {
		t.Fatalf("expected request id header")
	}
}

func TestServer_MetricsRoute_Reachable(t *testing.T) {
	s := newTestServer()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestServer_SessionsRoute_EmptyList(t *testing.T) {
	s := newTestServer()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"count":0`) {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestServer_ShutdownFlipsReadiness(t *testing.T) {
	s := newTestServer()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Shutdown(ctx)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/media", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("media status=%d body=%q", rr.Code, rr.Body.String())
	}
}
