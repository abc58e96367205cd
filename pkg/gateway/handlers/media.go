package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/core/voice/stt"
	"github.com/voicebridge/voicebridge/pkg/core/voice/synth"
	"github.com/voicebridge/voicebridge/pkg/core/voice/tts"
	"github.com/voicebridge/voicebridge/pkg/gateway/apierror"
	"github.com/voicebridge/voicebridge/pkg/gateway/config"
	"github.com/voicebridge/voicebridge/pkg/gateway/lifecycle"
	"github.com/voicebridge/voicebridge/pkg/gateway/live/session"
	"github.com/voicebridge/voicebridge/pkg/gateway/live/sessions"
	"github.com/voicebridge/voicebridge/pkg/gateway/mw"
)

// MediaHandler upgrades /v1/media requests to a media stream websocket and
// runs one call session per connection.
type MediaHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	STT       stt.Dialer
	Synth     synth.Dialer
	Fallback  tts.Synthesizer
	Calls     *sessions.Tracker
	Lifecycle *lifecycle.Lifecycle
	Events    session.EventSink
	Now       func() time.Time
}

func (h MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{
			Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID,
		})
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{
			Type: apierror.ErrOverloaded, Message: "gateway is draining", Code: "draining", RequestID: reqID,
		})
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, http.StatusForbidden, &apierror.Error{
			Type: apierror.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin", RequestID: reqID,
		})
		return
	}
	if h.Config.MaxConcurrentCalls > 0 && h.Calls != nil && h.Calls.Count() >= h.Config.MaxConcurrentCalls {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{
			Type: apierror.ErrOverloaded, Message: "call capacity reached", Code: "capacity", RequestID: reqID,
		})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	now := h.Now
	if now == nil {
		now = time.Now
	}
	sessionID := "call_" + uuid.NewString()

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.Logger,
		STT:       h.STT,
		Synth:     h.Synth,
		Fallback:  h.Fallback,
		Events:    h.Events,
		Config:    sessionConfig(h.Config),
		SessionID: sessionID,
		RequestID: reqID,
		StartTime: now(),
		Now:       now,
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("media: session init failed", "request_id", reqID, "error", err)
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session init failed"),
			time.Now().Add(2*time.Second))
		return
	}

	unregister := func() {}
	if h.Calls != nil {
		unregister = h.Calls.Register(sessionID, sessions.Handle{
			Cancel:       s.Cancel,
			Snapshot:     s.Snapshot,
			LastActivity: s.LastActivity,
		})
	}
	defer unregister()

	if err := s.Run(); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("media: call ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
		}
	}
}

// originAllowed rejects browser requests from unlisted origins. Telephony
// providers open the stream server-side and send no Origin header.
func (h MediaHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[strings.ToLower(origin)]
	return ok
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		MaxAudioFrameBytes:     cfg.MaxAudioFrameBytes,
		MaxJSONMessageBytes:    cfg.MaxJSONMessageBytes,
		MaxMediaFPS:            cfg.MaxMediaFPS,
		MaxMediaBytesPerSecond: cfg.MaxMediaBytesPerSecond,
		InboundBurstSeconds:    cfg.InboundBurstSeconds,

		PingInterval:    cfg.WSPingInterval,
		WriteTimeout:    cfg.WSWriteTimeout,
		ReadTimeout:     cfg.WSReadTimeout,
		HandshakeWait:   cfg.HandshakeWait,
		MaxCallDuration: cfg.MaxCallDuration,

		PauseTick:          cfg.PauseTick,
		SilenceTimeout:     cfg.SilenceTimeout,
		MinFinalConfidence: cfg.MinFinalConfidence,
		DedupWindow:        cfg.DedupWindow,

		OutboundQueueSize: cfg.OutboundQueueSize,
		FallbackTimeout:   cfg.FallbackTimeout,

		STTModel:     cfg.STTModel,
		Voice:        cfg.VoiceID,
		Language:     cfg.Language,
		SpeakingRate: cfg.SpeakingRate,

		SynthKeepaliveInterval:  cfg.SynthKeepaliveInterval,
		SynthKeepaliveThreshold: cfg.SynthKeepaliveThreshold,
		SynthMaxReconnects:      cfg.SynthMaxReconnects,
		STTMaxRedials:           cfg.STTMaxRedials,
	}
}
