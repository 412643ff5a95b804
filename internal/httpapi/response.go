package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/paulgrammer/comicbatch/internal/batch"
	"github.com/paulgrammer/comicbatch/internal/comic"
	"github.com/paulgrammer/comicbatch/internal/scheduler"
)

// respondWithError writes a standardized JSON error payload.
func respondWithError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, batch.ErrUnknownJob),
		errors.Is(err, batch.ErrExecutionNotFound),
		errors.Is(err, comic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrOverlap),
		errors.Is(err, batch.ErrDuplicateExecution),
		errors.Is(err, batch.ErrAlreadyComplete),
		errors.Is(err, comic.ErrAlreadyImported):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondWithDomainError(c echo.Context, err error) error {
	return respondWithError(c, statusFor(err), err.Error())
}
