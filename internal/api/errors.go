package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/animus-labs/cineforge/internal/artifacts"
	"github.com/animus-labs/cineforge/internal/execution/gate"
	"github.com/animus-labs/cineforge/internal/platform/httpserver"
	"github.com/animus-labs/cineforge/internal/repo"
	"github.com/animus-labs/cineforge/internal/service/runs"
	"github.com/animus-labs/cineforge/internal/stages"
)

// respondError maps service errors onto status codes and the error envelope.
func (a *API) respondError(c echo.Context, err error) error {
	var verr *stages.ValidationError
	switch {
	case errors.As(err, &verr):
		return writeErrorWithDetails(c, http.StatusBadRequest, "validation_failed", verr.Issues)
	case errors.Is(err, repo.ErrInvalidStageList):
		return writeErrorWithDetails(c, http.StatusBadRequest, "invalid_stage_list", err.Error())
	case errors.Is(err, repo.ErrNotFound):
		return writeError(c, http.StatusNotFound, "not_found")
	case errors.Is(err, gate.ErrNotAwaitingApproval):
		return writeError(c, http.StatusConflict, "not_awaiting_approval")
	case errors.Is(err, runs.ErrRunFinished):
		return writeError(c, http.StatusConflict, "run_finished")
	case errors.Is(err, runs.ErrNotRetryable):
		return writeError(c, http.StatusConflict, "not_retryable")
	case errors.Is(err, repo.ErrConflict):
		return writeError(c, http.StatusConflict, "conflict")
	case errors.Is(err, artifacts.ErrPresignUnsupported):
		return writeError(c, http.StatusNotImplemented, "presign_unsupported")
	case errors.Is(err, repo.ErrStorageUnavailable):
		return writeError(c, http.StatusServiceUnavailable, "storage_unavailable")
	default:
		a.logger.Error("request failed", zapRequest(c, err)...)
		return writeError(c, http.StatusInternalServerError, "internal_error")
	}
}

func writeError(c echo.Context, status int, code string) error {
	return c.JSON(status, map[string]any{
		"error":      code,
		"request_id": httpserver.RequestID(c),
	})
}

func writeErrorWithDetails(c echo.Context, status int, code string, details any) error {
	return c.JSON(status, map[string]any{
		"error":      code,
		"request_id": httpserver.RequestID(c),
		"details":    details,
	})
}
