package httpapi

import (
	"errors"
	"net/http"

	"tandem/cmd/domain"
	"tandem/cmd/internal/events"
	"tandem/cmd/internal/notify"
	v1 "tandem/shared/contracts/realtime/v1"
)

// conflictResponse carries the authoritative snapshot for client reconciliation.
type conflictResponse struct {
	Error   apiError     `json:"error"`
	Current v1.EventView `json:"current"`
}

// writeServiceError maps the domain taxonomy onto HTTP. Unexpected failures
// are logged in full and reported as a generic server_error.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var conflict *events.ConflictError

	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error:   apiError{Code: "version_conflict", Message: "event was changed by someone else"},
			Current: notify.EventView(conflict.Current),
		})
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	case domain.IsForbidden(err):
		writeError(w, http.StatusForbidden, "forbidden", publicMessage(err, "not allowed"))
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case domain.IsExpired(err):
		writeError(w, http.StatusGone, "expired", "invitation has expired")
	case domain.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", publicMessage(err, "invalid request"))
	case domain.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "conflict")
	default:
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// publicMessage returns the client-safe message of an OpError.
func publicMessage(err error, fallback string) string {
	var target domain.OpError
	if errors.As(err, &target) && target.Msg != "" {
		return target.Msg
	}
	return fallback
}
