package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/saltenhof/gemini-session-pool/internal/types"
)

// writeErrorResponse writes a types.ErrorEnvelope, matching the shape
// internal/handlers writes for mapped errors, so a request rejected by
// middleware (rate limit, API key, timeout, panic recovery) looks the same on the wire as
// one rejected by a handler.
func writeErrorResponse(w http.ResponseWriter, statusCode int, errKind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := types.ErrorEnvelope{Error: errKind, Detail: detail}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Str("detail", detail).Msg("failed to encode middleware error response")
	}
}
