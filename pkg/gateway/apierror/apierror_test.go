package apierror

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicebridge/voicebridge/pkg/gateway/live/protocol"
)

func TestFromError_ContextCanceled_Is408Cancelled(t *testing.T) {
	ce, status := FromError(context.Canceled, "req_test")
	if status != http.StatusRequestTimeout {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != ErrAPI {
		t.Fatalf("type=%q", ce.Type)
	}
	if ce.Code != "cancelled" {
		t.Fatalf("code=%q", ce.Code)
	}
	if ce.RequestID != "req_test" {
		t.Fatalf("request_id=%q", ce.RequestID)
	}
}

func TestFromError_DeadlineExceeded_Is504(t *testing.T) {
	ce, status := FromError(context.DeadlineExceeded, "req_test")
	if status != http.StatusGatewayTimeout {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != ErrAPI {
		t.Fatalf("type=%q", ce.Type)
	}
}

func TestFromError_CanonicalErrorPassesThrough(t *testing.T) {
	in := &Error{Type: ErrOverloaded, Message: "too many calls"}
	ce, status := FromError(in, "req_7")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != ErrOverloaded {
		t.Fatalf("type=%q", ce.Type)
	}
	if ce.RequestID != "req_7" {
		t.Fatalf("request_id=%q", ce.RequestID)
	}
	if in.RequestID != "" {
		t.Fatalf("input mutated: %q", in.RequestID)
	}
}

func TestFromError_DecodeError_Is400(t *testing.T) {
	in := &protocol.DecodeError{Code: "bad_event", Message: "unknown event", Param: "event"}
	ce, status := FromError(in, "req_test")
	if status != http.StatusBadRequest {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != ErrInvalidRequest {
		t.Fatalf("type=%q", ce.Type)
	}
	if ce.Code != "bad_event" || ce.Param != "event" {
		t.Fatalf("code=%q param=%q", ce.Code, ce.Param)
	}
}

func TestFromError_UnknownError_DoesNotLeakMessage(t *testing.T) {
	ce, status := FromError(errFake{}, "req_test")
	if status != http.StatusInternalServerError {
		t.Fatalf("status=%d", status)
	}
	if ce.Message != "internal error" {
		t.Fatalf("message=%q", ce.Message)
	}
}

type errFake struct{}

func (errFake) Error() string { return "secret database dsn" }

func TestWrite_EncodesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, http.StatusNotFound, &Error{Type: ErrNotFound, Message: "no such route", RequestID: "req_9"})

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil || env.Error.Type != ErrNotFound || env.Error.RequestID != "req_9" {
		t.Fatalf("envelope=%+v", env.Error)
	}
}
