package mw

import (
	"net/http"
	"strings"

	"github.com/voicebridge/voicebridge/pkg/gateway/apierror"
)

const (
	apiVersionHeader    = "X-VoiceBridge-Version"
	supportedAPIVersion = "1"
)

// APIVersion rejects /v1 requests that pin an unsupported version header.
// Requests without the header are accepted as latest. Preflights and
// websocket upgrades skip the check: telephony providers do not send
// version headers on the media stream.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptFromVersionCheck(r) {
			next.ServeHTTP(w, r)
			return
		}
		if _, bad := firstUnsupportedVersion(r.Header); bad {
			reqID, _ := RequestIDFrom(r.Context())
			apierror.Write(w, http.StatusBadRequest, &apierror.Error{
				Type:      apierror.ErrInvalidRequest,
				Message:   "unsupported API version",
				Param:     apiVersionHeader,
				Code:      "unsupported_version",
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func exemptFromVersionCheck(r *http.Request) bool {
	if r.Method == http.MethodOptions || isWebSocketUpgrade(r) {
		return true
	}
	return r.URL.Path != "/v1" && !strings.HasPrefix(r.URL.Path, "/v1/")
}

// firstUnsupportedVersion scans every header occurrence; clients sometimes
// send the header more than once and all of them must agree.
func firstUnsupportedVersion(h http.Header) (string, bool) {
	for _, value := range h.Values(apiVersionHeader) {
		for _, part := range strings.Split(value, ",") {
			v := strings.TrimSpace(part)
			if v == "" {
				continue
			}
			if v != supportedAPIVersion {
				return v, true
			}
		}
	}
	return "", false
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return false
	}
	for _, value := range r.Header.Values("Connection") {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), "upgrade") {
				return true
			}
		}
	}
	return false
}
