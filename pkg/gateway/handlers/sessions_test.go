package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicebridge/voicebridge/pkg/gateway/live/session"
	"github.com/voicebridge/voicebridge/pkg/gateway/live/sessions"
)

func TestSessionsHandler_Empty(t *testing.T) {
	h := SessionsHandler{Calls: sessions.NewTracker()}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp struct {
		Count    int               `json:"count"`
		Sessions []json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 0 || resp.Sessions == nil || len(resp.Sessions) != 0 {
		t.Fatalf("count=%d sessions=%v", resp.Count, resp.Sessions)
	}
}

func TestSessionsHandler_ListsActiveCalls(t *testing.T) {
	tracker := sessions.NewTracker()
	unregister := tracker.Register("call_a", sessions.Handle{
		Cancel: func() {},
		Snapshot: func() session.Snapshot {
			return session.Snapshot{CallInfo: session.CallInfo{SessionID: "call_a", StreamSid: "MZ1"}}
		},
	})
	defer unregister()

	h := SessionsHandler{Calls: tracker}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	var resp struct {
		Count    int                `json:"count"`
		Sessions []session.Snapshot `json:"sessions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 1 || len(resp.Sessions) != 1 {
		t.Fatalf("count=%d sessions=%d", resp.Count, len(resp.Sessions))
	}
	if resp.Sessions[0].SessionID != "call_a" || resp.Sessions[0].StreamSid != "MZ1" {
		t.Fatalf("snapshot=%+v", resp.Sessions[0])
	}
}

func TestSessionsHandler_MethodNotAllowed(t *testing.T) {
	h := SessionsHandler{Calls: sessions.NewTracker()}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/sessions", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}
