package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/core"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/state"
)

// mapCoreError maps core-layer errors to an HTTP status and message.
func mapCoreError(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrEmptyInput):
		return http.StatusBadRequest, "text is required"
	case errors.Is(err, core.ErrUnknownIdentity):
		return http.StatusNotFound, "unknown identity or speaker"
	case errors.Is(err, core.ErrInputBacklog):
		return http.StatusTooManyRequests, "input backlog full, retry later"
	case errors.Is(err, state.ErrNotInSpecialState):
		return http.StatusConflict, "not in a special state"
	}

	// Unexpected error
	slog.Error("Unexpected core error", "error", err)
	return http.StatusInternalServerError, "internal server error"
}
