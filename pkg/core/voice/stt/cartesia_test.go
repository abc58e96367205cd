package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeCartesiaServer upgrades one connection, captures the query string, and
// echoes each binary audio frame back as a transcript message.
func fakeCartesiaServer(t *testing.T) (*httptest.Server, chan string) {
	t.Helper()
	queries := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				conf := 0.9
				_ = conn.WriteJSON(map[string]any{
					"type":        "transcript",
					"text":        "hello there",
					"is_final":    false,
					"probability": conf,
				})
			case websocket.TextMessage:
				switch string(data) {
				case "finalize":
					_ = conn.WriteJSON(map[string]any{
						"type":     "transcript",
						"text":     "hello there",
						"is_final": true,
					})
					_ = conn.WriteJSON(map[string]any{"type": "flush_done"})
				case "done":
					_ = conn.WriteJSON(map[string]any{"type": "done"})
					return
				}
			}
		}
	}))
	return srv, queries
}

func TestCartesiaDialDefaultsToTelephonyAudio(t *testing.T) {
	srv, queries := fakeCartesiaServer(t)
	defer srv.Close()

	d := &CartesiaDialer{
		APIKey:    "test-key",
		BaseWSURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
	stream, err := d.Dial(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer stream.Close()

	query := <-queries
	for _, want := range []string{
		"encoding=pcm_mulaw",
		"sample_rate=8000",
		"model=ink-whisper",
		"language=en",
		"min_volume=0.01",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("query missing %q: %s", want, query)
		}
	}
}

func TestCartesiaStreamDeltasAndFinalize(t *testing.T) {
	srv, _ := fakeCartesiaServer(t)
	defer srv.Close()

	d := &CartesiaDialer{
		APIKey:    "test-key",
		BaseWSURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
	stream, err := d.Dial(context.Background(), StreamOptions{Language: "es"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer stream.Close()

	if err := stream.SendAudio([]byte{0xff, 0xff, 0xff}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case delta := <-stream.Deltas():
		if delta.Text != "hello there" || delta.IsFinal {
			t.Fatalf("interim delta = %+v", delta)
		}
		if delta.Confidence == nil || *delta.Confidence != 0.9 {
			t.Fatalf("confidence = %v, want 0.9", delta.Confidence)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no interim delta")
	}

	if err := stream.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	select {
	case delta := <-stream.Deltas():
		if !delta.IsFinal {
			t.Fatalf("expected final delta, got %+v", delta)
		}
		if delta.Confidence != nil {
			t.Fatalf("final confidence = %v, want nil", delta.Confidence)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no final delta")
	}
}

func TestCartesiaStreamCloseIsIdempotent(t *testing.T) {
	srv, _ := fakeCartesiaServer(t)
	defer srv.Close()

	d := &CartesiaDialer{
		APIKey:    "test-key",
		BaseWSURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
	stream, err := d.Dial(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := stream.SendAudio([]byte{0x01}); err == nil {
		t.Fatalf("SendAudio succeeded after close")
	}

	// Deltas drains and closes after the socket goes away.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-stream.Deltas():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("deltas channel never closed")
		}
	}
}

func TestCartesiaDialRequiresAPIKey(t *testing.T) {
	d := &CartesiaDialer{}
	if _, err := d.Dial(context.Background(), StreamOptions{}); err == nil {
		t.Fatalf("Dial succeeded without api key")
	}
}
