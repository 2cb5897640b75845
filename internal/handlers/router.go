package handlers

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the full HTTP mux for the session pool service: the
// eight REST endpoints, the Prometheus scrape endpoint, and the debug
// test UI. shutdownCh receives a signal when /api/shutdown fires.
func NewRouter(h *Handler, shutdownCh chan<- struct{}) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", h.HandleTestUI)
	mux.HandleFunc("/api/health", h.HandleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/session/acquire", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandleAcquire(w, r)
	})

	mux.HandleFunc("/api/session/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/session/")
		slotID, action, ok := splitSlotAction(rest)
		if !ok {
			h.HandleNotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		switch action {
		case "send":
			h.HandleSend(w, r, slotID)
		case "release":
			h.HandleRelease(w, r, slotID)
		default:
			h.HandleNotFound(w, r)
		}
	})

	mux.HandleFunc("/api/pool/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandlePoolStatus(w, r)
	})

	mux.HandleFunc("/api/pool/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandlePoolReset(w, r)
	})

	mux.HandleFunc("/api/pool/slot/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/pool/slot/")
		slotID, action, ok := splitSlotAction(rest)
		if !ok || action != "reset" {
			h.HandleNotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandleSlotReset(w, r, slotID)
	})

	mux.HandleFunc("/api/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandleShutdown(w, r, shutdownCh)
	})

	return mux
}

// splitSlotAction splits "{slot_id}/{action}" into its two parts.
func splitSlotAction(rest string) (slotID, action string, ok bool) {
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
