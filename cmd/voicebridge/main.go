package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voicebridge/voicebridge/pkg/bus"
	"github.com/voicebridge/voicebridge/pkg/core/voice/stt"
	"github.com/voicebridge/voicebridge/pkg/core/voice/synth"
	"github.com/voicebridge/voicebridge/pkg/core/voice/tts"
	"github.com/voicebridge/voicebridge/pkg/gateway/config"
	"github.com/voicebridge/voicebridge/pkg/gateway/handlers"
	"github.com/voicebridge/voicebridge/pkg/gateway/live/session"
	gatewayserver "github.com/voicebridge/voicebridge/pkg/gateway/server"
	"github.com/voicebridge/voicebridge/pkg/store/calls"
)

type appDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// buildFallbacks assembles the one-shot synthesis chain in configured order.
func buildFallbacks(ctx context.Context, cfg config.Config) (tts.Synthesizer, error) {
	if len(cfg.FallbackSynthesizers) == 0 {
		return nil, nil
	}
	chain := make(tts.Fallbacks, 0, len(cfg.FallbackSynthesizers))
	for _, name := range cfg.FallbackSynthesizers {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "elevenlabs":
			s := tts.NewElevenLabs(cfg.ElevenLabsAPIKey)
			if cfg.ElevenLabsHTTPURL != "" {
				s = s.WithBaseURL(cfg.ElevenLabsHTTPURL)
			}
			chain = append(chain, s)
		case "cartesia":
			chain = append(chain, tts.NewCartesia(cfg.CartesiaAPIKey))
		case "gemini":
			g, err := tts.NewGemini(ctx, cfg.GeminiAPIKey)
			if err != nil {
				return nil, fmt.Errorf("init gemini synthesizer: %w", err)
			}
			chain = append(chain, g)
		default:
			return nil, fmt.Errorf("unknown fallback synthesizer %q", name)
		}
	}
	return chain, nil
}

func run(ctx context.Context, logger *slog.Logger, deps appDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fallback, err := buildFallbacks(ctx, cfg)
	if err != nil {
		return err
	}

	var sinks handlers.FanoutSink
	if cfg.NATSURL != "" {
		pub, err := bus.Connect(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}
	if cfg.DatabaseURL != "" {
		store, err := calls.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("open call store: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
			defer cancel()
			store.Close(closeCtx)
		}()
		sinks = append(sinks, store)
	}

	var events session.EventSink
	if len(sinks) > 0 {
		events = sinks
	}

	gw := gatewayserver.New(gatewayserver.Options{
		Config: cfg,
		Logger: logger,
		STT: &stt.CartesiaDialer{
			APIKey:    cfg.CartesiaAPIKey,
			BaseWSURL: cfg.CartesiaWSBaseURL,
		},
		Synth: &synth.ElevenLabsDialer{
			APIKey:    cfg.ElevenLabsAPIKey,
			BaseWSURL: cfg.ElevenLabsWSURL,
		},
		Fallback: fallback,
		Events:   events,
	})

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go gw.RunIdleSweeper(sweepCtx)

	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting voicebridge", "addr", cfg.Addr, "voice", cfg.VoiceID, "language", cfg.Language)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	gw.Shutdown(drainCtx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voicebridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps appDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	// Missing .env is fine; the environment may be set by the runtime.
	_ = godotenv.Load()

	if err := run(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voicebridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultAppDeps()))
}
