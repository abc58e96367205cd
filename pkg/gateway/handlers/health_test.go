package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/pkg/gateway/config"
	"github.com/voicebridge/voicebridge/pkg/gateway/lifecycle"
)

func healthyConfig() config.Config {
	return config.Config{
		MaxAudioFrameBytes:  4096,
		MaxJSONMessageBytes: 65536,
		HandshakeWait:       10 * time.Second,
		MaxCallDuration:     2 * time.Hour,
		PauseTick:           time.Second,
		SilenceTimeout:      2 * time.Second,
		WSPingInterval:      20 * time.Second,
		WSWriteTimeout:      5 * time.Second,
		ReadHeaderTimeout:   10 * time.Second,
	}
}

func TestHealthHandler_OK(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := rr.Body.String(); got != "ok\n" {
		t.Fatalf("body=%q", got)
	}
}

func TestReadyHandler_ValidConfig_Ready(t *testing.T) {
	h := ReadyHandler{Config: healthyConfig()}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, body=%q", rr.Body.String())
	}
}

func TestReadyHandler_ZeroConfig_NotReady(t *testing.T) {
	h := ReadyHandler{}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if issues, _ := resp["issues"].([]any); len(issues) == 0 {
		t.Fatalf("expected issues, body=%q", rr.Body.String())
	}
}

func TestReadyHandler_Draining_Unavailable(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	h := ReadyHandler{Config: healthyConfig(), Lifecycle: lc}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if draining, _ := resp["draining"].(bool); !draining {
		t.Fatalf("expected draining=true, body=%q", rr.Body.String())
	}
}
