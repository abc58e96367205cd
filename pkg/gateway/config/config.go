package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Provider credentials and endpoints.
	CartesiaAPIKey       string
	CartesiaWSBaseURL    string
	ElevenLabsAPIKey     string
	ElevenLabsWSURL      string
	ElevenLabsHTTPURL    string
	GeminiAPIKey         string
	FallbackSynthesizers []string

	// Voice shape for the converted audio.
	VoiceID      string
	Language     string
	SpeakingRate float64
	STTModel     string

	// Inbound media limits per call.
	MaxAudioFrameBytes     int
	MaxJSONMessageBytes    int64
	MaxMediaFPS            int
	MaxMediaBytesPerSecond int64
	InboundBurstSeconds    int

	// Media websocket timings.
	WSPingInterval     time.Duration
	WSWriteTimeout     time.Duration
	WSReadTimeout      time.Duration
	HandshakeWait      time.Duration
	MaxCallDuration    time.Duration
	MaxCallIdle        time.Duration
	IdleSweepEvery     time.Duration
	MaxConcurrentCalls int
	OutboundQueueSize  int

	// Pipeline tuning.
	PauseTick               time.Duration
	SilenceTimeout          time.Duration
	MinFinalConfidence      float64
	DedupWindow             int
	SynthKeepaliveInterval  time.Duration
	SynthKeepaliveThreshold time.Duration
	SynthMaxReconnects      int
	STTMaxRedials           int
	FallbackTimeout         time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	MetricsNamespace    string

	// Browser origins allowed to hit the HTTP surface (dashboards polling
	// /v1/sessions). Empty means no CORS headers are ever attached.
	CORSAllowedOrigins map[string]struct{}

	// Optional integrations; empty disables them.
	NATSURL     string
	DatabaseURL string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 asString("VB_ADDR", ":8080"),
		CartesiaAPIKey:       asString("VB_CARTESIA_API_KEY", ""),
		CartesiaWSBaseURL:    asString("VB_CARTESIA_WS_URL", ""),
		ElevenLabsAPIKey:     asString("VB_ELEVENLABS_API_KEY", ""),
		ElevenLabsWSURL:      asString("VB_ELEVENLABS_WS_URL", ""),
		ElevenLabsHTTPURL:    asString("VB_ELEVENLABS_HTTP_URL", ""),
		GeminiAPIKey:         asString("VB_GEMINI_API_KEY", ""),
		FallbackSynthesizers: splitCSV(os.Getenv("VB_FALLBACK_SYNTHESIZERS")),

		VoiceID:      asString("VB_VOICE_ID", ""),
		Language:     asString("VB_LANGUAGE", "en"),
		SpeakingRate: asFloat64("VB_SPEAKING_RATE", 1.0),
		STTModel:     asString("VB_STT_MODEL", "ink-whisper"),

		MaxAudioFrameBytes:     asInt("VB_MAX_AUDIO_FRAME_BYTES", 8192),
		MaxJSONMessageBytes:    asInt64("VB_MAX_JSON_MESSAGE_BYTES", 64*1024),
		MaxMediaFPS:            asInt("VB_MAX_MEDIA_FPS", 120),
		MaxMediaBytesPerSecond: asInt64("VB_MAX_MEDIA_BPS", 64*1024),
		InboundBurstSeconds:    asInt("VB_INBOUND_BURST_SECONDS", 2),

		WSPingInterval:     asDuration("VB_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:     asDuration("VB_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:      asDuration("VB_WS_READ_TIMEOUT", 0),
		HandshakeWait:      asDuration("VB_HANDSHAKE_WAIT", 10*time.Second),
		MaxCallDuration:    asDuration("VB_MAX_CALL_DURATION", 2*time.Hour),
		MaxCallIdle:        asDuration("VB_MAX_CALL_IDLE", 5*time.Minute),
		IdleSweepEvery:     asDuration("VB_IDLE_SWEEP_EVERY", 30*time.Second),
		MaxConcurrentCalls: asInt("VB_MAX_CONCURRENT_CALLS", 200),
		OutboundQueueSize:  asInt("VB_OUTBOUND_QUEUE_SIZE", 128),

		PauseTick:               asDuration("VB_PAUSE_TICK", time.Second),
		SilenceTimeout:          asDuration("VB_SILENCE_TIMEOUT", 2*time.Second),
		MinFinalConfidence:      asFloat64("VB_MIN_FINAL_CONFIDENCE", 0.7),
		DedupWindow:             asInt("VB_DEDUP_WINDOW", 10),
		SynthKeepaliveInterval:  asDuration("VB_SYNTH_KEEPALIVE_INTERVAL", 3*time.Second),
		SynthKeepaliveThreshold: asDuration("VB_SYNTH_KEEPALIVE_THRESHOLD", 2*time.Second),
		SynthMaxReconnects:      asInt("VB_SYNTH_MAX_RECONNECTS", 3),
		STTMaxRedials:           asInt("VB_STT_MAX_REDIALS", 3),
		FallbackTimeout:         asDuration("VB_FALLBACK_TIMEOUT", 5*time.Second),

		ReadHeaderTimeout:   asDuration("VB_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: asDuration("VB_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MetricsNamespace:    asString("VB_METRICS_NAMESPACE", "voicebridge"),
		CORSAllowedOrigins:  originSet(os.Getenv("VB_CORS_ALLOWED_ORIGINS")),

		NATSURL:     asString("VB_NATS_URL", ""),
		DatabaseURL: asString("VB_DATABASE_URL", ""),
	}

	if strings.TrimSpace(cfg.CartesiaAPIKey) == "" {
		return Config{}, fmt.Errorf("VB_CARTESIA_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
		return Config{}, fmt.Errorf("VB_ELEVENLABS_API_KEY must be set")
	}
	for _, name := range cfg.FallbackSynthesizers {
		switch name {
		case "elevenlabs", "cartesia":
		case "gemini":
			if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
				return Config{}, fmt.Errorf("VB_GEMINI_API_KEY must be set when gemini is a fallback synthesizer")
			}
		default:
			return Config{}, fmt.Errorf("VB_FALLBACK_SYNTHESIZERS contains unknown synthesizer %q", name)
		}
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VB_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VB_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxMediaFPS < 0 {
		return Config{}, fmt.Errorf("VB_MAX_MEDIA_FPS must be >= 0")
	}
	if cfg.MaxMediaBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("VB_MAX_MEDIA_BPS must be >= 0")
	}
	if (cfg.MaxMediaFPS > 0 || cfg.MaxMediaBytesPerSecond > 0) && cfg.InboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("VB_INBOUND_BURST_SECONDS must be >= 1 when inbound media limits are enabled")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VB_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VB_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.HandshakeWait <= 0 {
		return Config{}, fmt.Errorf("VB_HANDSHAKE_WAIT must be > 0")
	}
	if cfg.MaxCallDuration <= 0 {
		return Config{}, fmt.Errorf("VB_MAX_CALL_DURATION must be > 0")
	}
	if cfg.MaxCallIdle <= 0 {
		return Config{}, fmt.Errorf("VB_MAX_CALL_IDLE must be > 0")
	}
	if cfg.IdleSweepEvery <= 0 {
		return Config{}, fmt.Errorf("VB_IDLE_SWEEP_EVERY must be > 0")
	}
	if cfg.MaxConcurrentCalls <= 0 {
		return Config{}, fmt.Errorf("VB_MAX_CONCURRENT_CALLS must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VB_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.PauseTick <= 0 {
		return Config{}, fmt.Errorf("VB_PAUSE_TICK must be > 0")
	}
	if cfg.SilenceTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_SILENCE_TIMEOUT must be > 0")
	}
	if cfg.MinFinalConfidence <= 0 || cfg.MinFinalConfidence > 1 {
		return Config{}, fmt.Errorf("VB_MIN_FINAL_CONFIDENCE must be in (0, 1]")
	}
	if cfg.DedupWindow <= 0 {
		return Config{}, fmt.Errorf("VB_DEDUP_WINDOW must be > 0")
	}
	if cfg.SynthKeepaliveInterval <= 0 {
		return Config{}, fmt.Errorf("VB_SYNTH_KEEPALIVE_INTERVAL must be > 0")
	}
	if cfg.SynthKeepaliveThreshold <= 0 {
		return Config{}, fmt.Errorf("VB_SYNTH_KEEPALIVE_THRESHOLD must be > 0")
	}
	if cfg.SynthMaxReconnects < 0 {
		return Config{}, fmt.Errorf("VB_SYNTH_MAX_RECONNECTS must be >= 0")
	}
	if cfg.STTMaxRedials < 0 {
		return Config{}, fmt.Errorf("VB_STT_MAX_REDIALS must be >= 0")
	}
	if cfg.FallbackTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_FALLBACK_TIMEOUT must be > 0")
	}
	if cfg.SpeakingRate < 0.6 || cfg.SpeakingRate > 1.5 {
		return Config{}, fmt.Errorf("VB_SPEAKING_RATE must be in [0.6, 1.5]")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VB_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func asString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func asInt64(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func asInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func asFloat64(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func asDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func originSet(raw string) map[string]struct{} {
	parts := splitCSV(raw)
	if len(parts) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		set[strings.TrimSuffix(p, "/")] = struct{}{}
	}
	return set
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
