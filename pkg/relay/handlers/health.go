package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kynnyhsap/voicerelay/pkg/relay/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// StatusHandler reports the live session count.
type StatusHandler struct {
	Sessions *sessions.Tracker
}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type statusResp struct {
		OK       bool `json:"ok"`
		Sessions int  `json:"sessions"`
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(statusResp{
		OK:       true,
		Sessions: h.Sessions.Count(),
	})
}
