package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voicebridge/voicebridge/pkg/gateway/apierror"
	"github.com/voicebridge/voicebridge/pkg/gateway/live/session"
	"github.com/voicebridge/voicebridge/pkg/gateway/live/sessions"
	"github.com/voicebridge/voicebridge/pkg/gateway/mw"
)

// SessionsHandler reports active calls for dashboards and debugging.
type SessionsHandler struct {
	Calls *sessions.Tracker
}

func (h SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		reqID, _ := mw.RequestIDFrom(r.Context())
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{
			Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID,
		})
		return
	}

	type sessionsResp struct {
		Count    int                `json:"count"`
		Sessions []session.Snapshot `json:"sessions"`
	}

	resp := sessionsResp{Sessions: []session.Snapshot{}}
	if h.Calls != nil {
		resp.Sessions = h.Calls.Snapshots()
		resp.Count = h.Calls.Count()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
