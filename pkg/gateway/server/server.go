// Package server wires configuration, handlers, and middleware into the
// gateway's HTTP surface.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/voicebridge/voicebridge/pkg/core/voice/stt"
	"github.com/voicebridge/voicebridge/pkg/core/voice/synth"
	"github.com/voicebridge/voicebridge/pkg/core/voice/tts"
	"github.com/voicebridge/voicebridge/pkg/gateway/config"
	"github.com/voicebridge/voicebridge/pkg/gateway/handlers"
	"github.com/voicebridge/voicebridge/pkg/gateway/lifecycle"
	"github.com/voicebridge/voicebridge/pkg/gateway/live/session"
	"github.com/voicebridge/voicebridge/pkg/gateway/live/sessions"
	"github.com/voicebridge/voicebridge/pkg/gateway/metrics"
	"github.com/voicebridge/voicebridge/pkg/gateway/mw"
)

// Options carries the injected pipeline pieces. STT is required; Synth and
// Fallback follow the session's degradation rules.
type Options struct {
	Config   config.Config
	Logger   *slog.Logger
	STT      stt.Dialer
	Synth    synth.Dialer
	Fallback tts.Synthesizer
	Metrics  *metrics.Metrics

	// Events receives call lifecycle events in addition to the metrics
	// sink (message bus publisher, call record store).
	Events session.EventSink
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	calls     *sessions.Tracker
	lifecycle *lifecycle.Lifecycle
	metrics   *metrics.Metrics
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(opts.Config.MetricsNamespace)
	}

	s := &Server{
		cfg:       opts.Config,
		logger:    logger,
		mux:       http.NewServeMux(),
		calls:     sessions.NewTracker(),
		lifecycle: &lifecycle.Lifecycle{},
		metrics:   m,
	}

	sink := handlers.FanoutSink{handlers.MetricsSink{M: m}}
	if opts.Events != nil {
		sink = append(sink, opts.Events)
	}

	s.routes(opts, sink)
	return s
}

func (s *Server) routes(opts Options, sink session.EventSink) {
	s.mux.Handle("/healthz", s.counted("healthz", handlers.HealthHandler{}))
	s.mux.Handle("/readyz", s.counted("readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Calls:     s.calls,
	}))
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/sessions", s.counted("sessions", handlers.SessionsHandler{Calls: s.calls}))
	s.mux.Handle("/v1/media", s.counted("media", handlers.MediaHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		STT:       opts.STT,
		Synth:     opts.Synth,
		Fallback:  opts.Fallback,
		Calls:     s.calls,
		Lifecycle: s.lifecycle,
		Events:    sink,
	}))

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) counted(endpoint string, h http.Handler) http.Handler {
	return mw.RecordRequests(s.metrics, endpoint, h)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Calls() *sessions.Tracker { return s.calls }

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// RunIdleSweeper reaps calls with no media until ctx is canceled.
func (s *Server) RunIdleSweeper(ctx context.Context) {
	every := s.cfg.IdleSweepEvery
	if every <= 0 {
		every = time.Minute
	}
	maxIdle := s.cfg.MaxCallIdle
	if maxIdle <= 0 {
		maxIdle = sessions.DefaultMaxIdle
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if reaped := s.calls.CloseIdle(maxIdle, now); reaped > 0 {
				s.logger.Info("server: reaped idle calls", "count", reaped)
			}
		}
	}
}

// Shutdown drains: readiness flips, active calls are canceled, and we wait
// for sessions to unwind or the grace period to expire.
func (s *Server) Shutdown(ctx context.Context) {
	s.lifecycle.SetDraining(true)
	if canceled := s.calls.CancelAll(); canceled > 0 {
		s.logger.Info("server: canceled active calls for shutdown", "count", canceled)
	}
	if !s.calls.Wait(ctx) {
		s.logger.Warn("server: shutdown grace period expired with calls still active", "remaining", s.calls.Count())
	}
}
