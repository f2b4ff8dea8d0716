package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kindling-ai/kindred/internal/channel"
	"github.com/kindling-ai/kindred/internal/outreach"
	"github.com/kindling-ai/kindred/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// outreachError maps the orchestrator's typed errors onto HTTP
// statuses: missing profiles are the caller's problem, channel
// failures are upstream failures.
func outreachError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, outreach.ErrProfileNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, outreach.ErrApprovalExpired):
		httpError(w, http.StatusGone, "approval_expired", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case channel.IsConnectError(err), channel.IsSendError(err):
		httpError(w, http.StatusBadGateway, "channel_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
