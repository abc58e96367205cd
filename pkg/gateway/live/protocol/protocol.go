// Package protocol defines the media-stream websocket envelope spoken by
// the telephony provider: JSON frames carrying base64 mu-law audio plus
// start/stop/mark/clear control events.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventClear     = "clear"
)

const (
	EncodingMulaw = "audio/x-mulaw"

	// Telephony media streams are fixed at 8kHz mono.
	TelephonySampleRate = 8000

	// Nominal frame size: 20ms of mu-law at one byte per sample.
	TelephonyFrameBytes = 160
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// MediaFormat describes the negotiated audio shape for one stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Connected is the first frame after the websocket upgrade.
type Connected struct {
	Event    string `json:"event"`
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`
}

// StartPayload carries the call identity and media format.
type StartPayload struct {
	AccountSid       string            `json:"accountSid"`
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// Start announces the media stream; exactly one per connection.
type Start struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid"`
	Start          StartPayload `json:"start"`
}

// MediaPayload is one frame of base64-encoded audio.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Media carries caller audio inbound and synthesized audio outbound.
type Media struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid"`
	Media          MediaPayload `json:"media"`
}

// Audio decodes the base64 payload.
func (m Media) Audio() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, badRequest("media.payload is not valid base64", "media.payload")
	}
	return data, nil
}

// StopPayload identifies the call being torn down.
type StopPayload struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// Stop ends the media stream.
type Stop struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSid      string      `json:"streamSid"`
	Stop           StopPayload `json:"stop"`
}

// MarkPayload names a playback checkpoint.
type MarkPayload struct {
	Name string `json:"name"`
}

// Mark is echoed back by the provider once queued audio before the mark has
// been played to the caller.
type Mark struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSid      string      `json:"streamSid"`
	Mark           MarkPayload `json:"mark"`
}

// DTMFPayload is one keypad digit.
type DTMFPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// DTMF reports a keypad press on the call.
type DTMF struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSid      string      `json:"streamSid"`
	DTMF           DTMFPayload `json:"dtmf"`
}

// DecodeInbound parses one provider frame. Unknown or malformed frames
// produce a *DecodeError so the session can answer with a structured error
// before hanging up.
func DecodeInbound(data []byte) (any, error) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	event := strings.TrimSpace(envelope.Event)
	if event == "" {
		return nil, badRequest("missing event", "event")
	}

	switch event {
	case EventConnected:
		var msg Connected
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid connected frame", "")
		}
		return msg, nil
	case EventStart:
		var msg Start
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start frame", "")
		}
		if err := ValidateStart(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventMedia:
		var msg Media
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid media frame", "")
		}
		if strings.TrimSpace(msg.Media.Payload) == "" {
			return nil, badRequest("media.payload is required", "media.payload")
		}
		return msg, nil
	case EventStop:
		var msg Stop
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop frame", "")
		}
		return msg, nil
	case EventMark:
		var msg Mark
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid mark frame", "")
		}
		if strings.TrimSpace(msg.Mark.Name) == "" {
			return nil, badRequest("mark.name is required", "mark.name")
		}
		return msg, nil
	case EventDTMF:
		var msg DTMF
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid dtmf frame", "")
		}
		if strings.TrimSpace(msg.DTMF.Digit) == "" {
			return nil, badRequest("dtmf.digit is required", "dtmf.digit")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported event", "event")
	}
}

// ValidateStart checks the identity and media shape of a start frame.
func ValidateStart(msg Start) error {
	if strings.TrimSpace(msg.StreamSid) == "" && strings.TrimSpace(msg.Start.StreamSid) == "" {
		return badRequest("start.streamSid is required", "start.streamSid")
	}
	if strings.TrimSpace(msg.Start.CallSid) == "" {
		return badRequest("start.callSid is required", "start.callSid")
	}
	format := msg.Start.MediaFormat
	if format.Encoding != "" && !strings.EqualFold(format.Encoding, EncodingMulaw) {
		return unsupported("unsupported media encoding", "start.mediaFormat.encoding")
	}
	if format.SampleRate != 0 && format.SampleRate != TelephonySampleRate {
		return unsupported("unsupported sample rate", "start.mediaFormat.sampleRate")
	}
	if format.Channels > 1 {
		return unsupported("unsupported channel count", "start.mediaFormat.channels")
	}
	return nil
}

// SID returns the stream id regardless of which field the provider set.
func (s Start) SID() string {
	if sid := strings.TrimSpace(s.StreamSid); sid != "" {
		return sid
	}
	return strings.TrimSpace(s.Start.StreamSid)
}

// RedactedForLog summarizes a start frame without custom parameters, which
// may carry caller identifiers.
func (s Start) RedactedForLog() map[string]any {
	return map[string]any{
		"stream_sid":        s.SID(),
		"call_sid":          s.Start.CallSid,
		"tracks":            s.Start.Tracks,
		"media_format":      s.Start.MediaFormat,
		"has_custom_params": len(s.Start.CustomParameters) > 0,
	}
}

// OutboundMedia builds a media frame carrying synthesized audio back to the
// provider.
func OutboundMedia(streamSid string, audio []byte) Media {
	return Media{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     MediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
}

// OutboundMark builds a playback checkpoint request.
func OutboundMark(streamSid, name string) Mark {
	return Mark{
		Event:     EventMark,
		StreamSid: streamSid,
		Mark:      MarkPayload{Name: name},
	}
}

// Clear tells the provider to drop any audio still buffered for playback.
// Sent when newer speech supersedes audio already in flight.
type ClearFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// OutboundClear builds a clear frame.
func OutboundClear(streamSid string) ClearFrame {
	return ClearFrame{Event: EventClear, StreamSid: streamSid}
}
