package handlers

import (
	"github.com/voicebridge/voicebridge/pkg/gateway/live/session"
	"github.com/voicebridge/voicebridge/pkg/gateway/live/protocol"
	"github.com/voicebridge/voicebridge/pkg/gateway/metrics"
)

// MetricsSink feeds call lifecycle events into the Prometheus collectors.
type MetricsSink struct {
	M *metrics.Metrics
}

func (s MetricsSink) CallStarted(session.CallInfo) {
	if s.M == nil {
		return
	}
	s.M.RecordCallStart()
}

func (s MetricsSink) CallEnded(sum session.CallSummary) {
	if s.M == nil {
		return
	}
	s.M.RecordCallEnd(sum.Reason, sum.EndedAt.Sub(sum.StartedAt))
	s.M.RecordDeltas(sum.Deltas)
	if sum.FallbackUsed > 0 {
		s.M.RecordFallback(sum.FallbackUsed)
	}
	if sum.DroppedFrames > 0 {
		s.M.RecordDroppedFrames("backpressure", sum.DroppedFrames)
	}
	s.M.RecordMedia("inbound", sum.MediaFrames, sum.MediaFrames*protocol.TelephonyFrameBytes)
	// Outbound audio is mu-law at one byte per sample, so milliseconds map
	// directly onto frame and byte counts.
	outBytes := sum.SynthesizedMS * protocol.TelephonySampleRate / 1000
	s.M.RecordMedia("outbound", outBytes/protocol.TelephonyFrameBytes, outBytes)
}

// FanoutSink forwards events to every sink in order.
type FanoutSink []session.EventSink

func (f FanoutSink) CallStarted(info session.CallInfo) {
	for _, s := range f {
		if s != nil {
			s.CallStarted(info)
		}
	}
}

func (f FanoutSink) CallEnded(sum session.CallSummary) {
	for _, s := range f {
		if s != nil {
			s.CallEnded(sum)
		}
	}
}
