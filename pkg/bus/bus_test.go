package bus

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/voicebridge/voicebridge/pkg/gateway/live/session"
)

func startEmbeddedNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server did not start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublisher_PublishesLifecycleEvents(t *testing.T) {
	ns := startEmbeddedNATS(t)

	sub, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer sub.Close()

	startedCh := make(chan *nats.Msg, 1)
	endedCh := make(chan *nats.Msg, 1)
	if _, err := sub.ChanSubscribe(SubjectCallStarted, startedCh); err != nil {
		t.Fatalf("subscribe started: %v", err)
	}
	if _, err := sub.ChanSubscribe(SubjectCallEnded, endedCh); err != nil {
		t.Fatalf("subscribe ended: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub, err := Connect(ns.ClientURL(), testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pub.Close()

	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	info := session.CallInfo{SessionID: "call_1", StreamSid: "MZ1", CallSid: "CA1", StartedAt: started}
	pub.CallStarted(info)
	pub.CallEnded(session.CallSummary{
		CallInfo:      info,
		EndedAt:       started.Add(42 * time.Second),
		Reason:        "stop",
		MediaFrames:   2100,
		SynthesizedMS: 8000,
	})

	select {
	case msg := <-startedCh:
		var got session.CallInfo
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal started: %v", err)
		}
		if got.SessionID != "call_1" || got.CallSid != "CA1" {
			t.Fatalf("started event=%+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no started event")
	}

	select {
	case msg := <-endedCh:
		var got session.CallSummary
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal ended: %v", err)
		}
		if got.Reason != "stop" || got.SynthesizedMS != 8000 {
			t.Fatalf("ended event=%+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ended event")
	}
}

func TestPublisher_HealthyAndClose(t *testing.T) {
	ns := startEmbeddedNATS(t)

	pub, err := Connect(ns.ClientURL(), testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !pub.Healthy() {
		t.Fatal("expected healthy connection")
	}
	pub.Close()
	if pub.Healthy() {
		t.Fatal("expected unhealthy after close")
	}
}

func TestPublisher_NilSafe(t *testing.T) {
	var pub *Publisher
	pub.CallStarted(session.CallInfo{})
	pub.CallEnded(session.CallSummary{})
	pub.Close()
	if pub.Healthy() {
		t.Fatal("nil publisher must not be healthy")
	}
}
