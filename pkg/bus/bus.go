// Package bus publishes call lifecycle events to NATS so downstream
// consumers (billing, analytics, call review) can follow live traffic.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/voicebridge/voicebridge/pkg/gateway/live/session"
)

const (
	SubjectCallStarted = "voicebridge.calls.started"
	SubjectCallEnded   = "voicebridge.calls.ended"
)

// Publisher forwards call events onto NATS subjects. Publishing is
// fire-and-forget: a dropped event must never stall a live call.
type Publisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func Connect(url string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(url,
		nats.Name("voicebridge"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("bus: connected", "url", conn.ConnectedUrl())
	return &Publisher{conn: conn, logger: logger}, nil
}

func (p *Publisher) CallStarted(info session.CallInfo) {
	p.publish(SubjectCallStarted, info)
}

func (p *Publisher) CallEnded(sum session.CallSummary) {
	p.publish(SubjectCallEnded, sum)
}

func (p *Publisher) publish(subject string, v any) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("bus: marshal event", "subject", subject, "error", err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("bus: publish event", "subject", subject, "error", err)
	}
}

func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Drain()
	p.conn.Close()
}
