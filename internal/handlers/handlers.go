// Package handlers provides HTTP request handlers for the session pool API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/saltenhof/gemini-session-pool/internal/assets"
	"github.com/saltenhof/gemini-session-pool/internal/pool"
	"github.com/saltenhof/gemini-session-pool/internal/types"
)

// Handler serves the session pool's REST API.
type Handler struct {
	pool      *pool.Pool
	startedAt time.Time
}

// New creates a Handler wrapping the given pool.
func New(p *pool.Pool) *Handler {
	return &Handler{pool: p, startedAt: time.Now()}
}

// closeBody closes an io.ReadCloser and logs any error at debug level.
func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		log.Debug().Err(err).Msg("error closing request body")
	}
}

// readJSONBody decodes a request body into dst using a pooled buffer, and
// caps body size to guard against memory exhaustion from a misbehaving client.
func readJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	const maxBodySize = 1 << 20 // 1MB
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer closeBody(r.Body)

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if buf.Len() == 0 {
		return nil
	}
	if err := json.Unmarshal(buf.Bytes(), dst); err != nil {
		return fmt.Errorf("invalid JSON request: %w", err)
	}
	return nil
}

// HandleAcquire handles POST /api/session/acquire.
func (h *Handler) HandleAcquire(w http.ResponseWriter, r *http.Request) {
	var req types.AcquireRequest
	if err := readJSONBody(w, r, &req); err != nil {
		h.writeErrorEnvelope(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if strings.TrimSpace(req.Owner) == "" {
		h.writeErrorEnvelope(w, http.StatusBadRequest, "validation", "owner is required")
		return
	}

	result := h.pool.Acquire(req.Owner)

	var status int
	switch result.Status {
	case "acquired":
		status = http.StatusOK
	case "queued":
		status = http.StatusAccepted
	default:
		status = http.StatusServiceUnavailable
	}
	h.writeJSONResponse(w, status, result)
}

// HandleSend handles POST /api/session/{id}/send.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request, slotID string) {
	token := r.Header.Get("X-Lease-Token")
	if token == "" {
		h.writeErrorEnvelope(w, http.StatusBadRequest, "validation", "X-Lease-Token header is required")
		return
	}

	var req types.SendRequest
	if err := readJSONBody(w, r, &req); err != nil {
		h.writeErrorEnvelope(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if len(req.FilePaths) > types.MaxFilesPerTurn {
		h.writeErrorEnvelope(w, http.StatusBadRequest, "validation",
			fmt.Sprintf("maximum %d file uploads per turn (got %d)", types.MaxFilesPerTurn, len(req.FilePaths)))
		return
	}
	allPaths := make([]string, 0, len(req.MergePaths)+len(req.FilePaths))
	allPaths = append(allPaths, req.MergePaths...)
	allPaths = append(allPaths, req.FilePaths...)
	for _, p := range allPaths {
		if _, err := os.Stat(p); err != nil {
			h.writeErrorEnvelope(w, http.StatusBadRequest, "validation", fmt.Sprintf("file not found: %s", p))
			return
		}
	}

	message := req.Message
	if len(req.MergePaths) > 0 {
		merged, err := mergeTextContent(req.MergePaths)
		if err != nil {
			h.writeErrorEnvelope(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
		message = merged + "\n\n" + req.Message
	}

	text, format, durationMS, err := h.pool.Send(r.Context(), slotID, token, message, req.FilePaths)
	if err != nil {
		h.writeSendError(w, slotID, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, types.SendResult{
		Text:       text,
		Format:     format,
		DurationMS: durationMS,
	})
}

// HandleRelease handles POST /api/session/{id}/release.
func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request, slotID string) {
	token := r.Header.Get("X-Lease-Token")
	if token == "" {
		h.writeErrorEnvelope(w, http.StatusBadRequest, "validation", "X-Lease-Token header is required")
		return
	}

	if err := h.pool.Release(slotID, token); err != nil {
		h.writeSendError(w, slotID, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]bool{"released": true})
}

// HandlePoolStatus handles GET /api/pool/status.
func (h *Handler) HandlePoolStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.pool.Status())
}

// HandlePoolReset handles POST /api/pool/reset.
func (h *Handler) HandlePoolReset(w http.ResponseWriter, r *http.Request) {
	slotsAvailable, err := h.pool.ResetAll(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("pool reset failed")
		h.writeErrorEnvelope(w, http.StatusInternalServerError, "driver_error", err.Error())
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"reset":           true,
		"slots_available": slotsAvailable,
	})
}

// HandleSlotReset handles POST /api/pool/slot/{id}/reset.
func (h *Handler) HandleSlotReset(w http.ResponseWriter, r *http.Request, slotID string) {
	if err := h.pool.ResetSlot(r.Context(), slotID); err != nil {
		if errors.Is(err, types.ErrSlotNotFound) {
			h.writeErrorEnvelope(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		h.writeErrorEnvelope(w, http.StatusInternalServerError, "driver_error", err.Error())
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]string{
		"slot_id": slotID,
		"state":   "free",
	})
}

// HandleHealth handles GET /api/health.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`"ok"`)); err != nil {
		log.Error().Err(err).Msg("failed to write health response")
	}
}

// HandleShutdown handles POST /api/shutdown. It acknowledges the request
// immediately and signals graceful shutdown on the returned channel; the
// caller (cmd/poolserver's main) owns the actual process teardown.
func (h *Handler) HandleShutdown(w http.ResponseWriter, _ *http.Request, shutdownCh chan<- struct{}) {
	log.Info().Msg("graceful shutdown requested via REST API")
	h.writeJSONResponse(w, http.StatusOK, map[string]string{
		"shutdown": "initiated",
		"message":  "server shutting down gracefully...",
	})
	go func() {
		time.Sleep(500 * time.Millisecond)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	}()
}

// HandleTestUI serves the embedded debug/test UI at GET /.
func (h *Handler) HandleTestUI(w http.ResponseWriter, _ *http.Request) {
	page, err := assets.TestUIPage()
	if err != nil {
		log.Error().Err(err).Msg("failed to render test UI")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(page); err != nil {
		log.Error().Err(err).Msg("failed to write test UI response")
	}
}

// HandleNotFound handles requests to unknown paths.
func (h *Handler) HandleNotFound(w http.ResponseWriter, _ *http.Request) {
	h.writeErrorEnvelope(w, http.StatusNotFound, "not_found", "no such route")
}

// HandleMethodNotAllowed handles requests with an unsupported HTTP method.
func (h *Handler) HandleMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	h.writeErrorEnvelope(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// writeSendError maps a pool/slot error to the status codes spec.md §4.5/§7
// defines, in contrast to the teacher's always-200 envelope.
func (h *Handler) writeSendError(w http.ResponseWriter, slotID string, err error) {
	var leaseErr *types.LeaseError
	var sendErr *types.SendError

	switch {
	case errors.Is(err, types.ErrLeaseExpired):
		h.writeErrorEnvelope(w, http.StatusGone, "lease_expired", err.Error())
	case errors.Is(err, types.ErrInvalidToken):
		h.writeErrorEnvelope(w, http.StatusForbidden, "invalid_token", err.Error())
	case errors.Is(err, types.ErrSlotNotFound):
		h.writeErrorEnvelope(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &leaseErr):
		h.writeErrorEnvelope(w, http.StatusForbidden, "invalid_token", err.Error())
	case errors.As(err, &sendErr):
		log.Error().Err(err).Str("slot_id", slotID).Msg("send failed")
		h.writeErrorEnvelope(w, http.StatusInternalServerError, sendErr.Kind, err.Error())
	default:
		log.Error().Err(err).Str("slot_id", slotID).Msg("unmapped pool error")
		h.writeErrorEnvelope(w, http.StatusInternalServerError, "driver_error", err.Error())
	}
}

// writeErrorEnvelope writes types.ErrorEnvelope at the given status code.
func (h *Handler) writeErrorEnvelope(w http.ResponseWriter, statusCode int, errKind, detail string) {
	h.writeJSONResponse(w, statusCode, types.ErrorEnvelope{Error: errKind, Detail: detail})
}

// writeJSONResponse buffers JSON before writing so an encoding failure never
// produces a partial response.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		if _, err := w.Write([]byte(`{"error":"internal_error","detail":"failed to encode response"}`)); err != nil {
			log.Error().Err(err).Msg("failed to write fallback error response")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

// mergeTextContent reads and concatenates merge_paths files into a single
// string, each preceded by a "=== name ===" header, matching the prompt
// shape the Gemini web UI's editor expects when multiple files are pasted
// as text.
func mergeTextContent(paths []string) (string, error) {
	parts := make([]string, 0, len(paths))
	for _, p := range paths {
		content, err := readTextFileWithFallback(p)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("=== %s ===\n%s", baseName(p), content))
	}
	return strings.Join(parts, "\n\n"), nil
}

// readTextFileWithFallback reads a file as UTF-8, falling back to treating
// it as raw Latin-1 bytes if it isn't valid UTF-8 (mirrors the original's
// utf-8-then-latin-1 decode attempt).
func readTextFileWithFallback(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("cannot read file %s: %w", path, err)
	}
	if len(data) == 0 {
		return "", nil
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	// Latin-1: every byte is the code point of the same value.
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes), nil
}

func baseName(path string) string {
	idx := strings.LastIndexAny(path, `/\`)
	if idx == -1 {
		return path
	}
	return path[idx+1:]
}
