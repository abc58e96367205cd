package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voicebridge/voicebridge/pkg/gateway/config"
	"github.com/voicebridge/voicebridge/pkg/gateway/lifecycle"
	"github.com/voicebridge/voicebridge/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Calls     *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Draining    bool     `json:"draining"`
		ActiveCalls int      `json:"active_calls"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.MaxAudioFrameBytes <= 0 {
		issues = append(issues, "max audio frame bytes must be > 0")
	}
	if h.Config.MaxJSONMessageBytes <= 0 {
		issues = append(issues, "max json message bytes must be > 0")
	}
	if h.Config.HandshakeWait <= 0 {
		issues = append(issues, "handshake wait must be > 0")
	}
	if h.Config.MaxCallDuration <= 0 {
		issues = append(issues, "max call duration must be > 0")
	}
	if h.Config.PauseTick <= 0 || h.Config.SilenceTimeout <= 0 {
		issues = append(issues, "silence sweep intervals must be > 0")
	}
	if h.Config.WSPingInterval <= 0 || h.Config.WSWriteTimeout <= 0 {
		issues = append(issues, "websocket keepalive timeouts must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 {
		issues = append(issues, "read header timeout must be > 0")
	}

	draining := h.Lifecycle.IsDraining()

	active := 0
	if h.Calls != nil {
		active = h.Calls.Count()
	}

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	} else if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:          ok,
		Draining:    draining,
		ActiveCalls: active,
		Issues:      issues,
	})
}
