package errs_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/technician-dispatch/internal/errs"
)

func TestError(t *testing.T) {
	t.Run("validation error formats param and message", func(t *testing.T) {
		err := errs.NewValidationError("max_distance", "must be between 0.5 and 50")

		assert.Equal(t, "validation failed: max_distance: must be between 0.5 and 50", err.Error())
		assert.ErrorIs(t, err, errs.ErrValidation)
		assert.NotErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("cause is reachable through errors.Is", func(t *testing.T) {
		cause := errors.New("invalid UUID length: 3")
		err := errs.NewValidationErrorWithCause("id", "not a UUID", cause)

		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, errs.ErrValidation)
		assert.Contains(t, err.Error(), "(cause: invalid UUID length: 3)")
	})

	t.Run("stale is a conflict", func(t *testing.T) {
		err := errs.NewStaleError("request expired")

		assert.ErrorIs(t, err, errs.ErrStale)
		assert.ErrorIs(t, err, errs.ErrConflict)
	})

	t.Run("survives fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("respond: %w", errs.NewNotFoundError("matching_id", "abc"))

		assert.ErrorIs(t, err, errs.ErrNotFound)
		assert.Equal(t, http.StatusNotFound, errs.HTTPStatus(err))
	})
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{errs.NewValidationError("x", ""), http.StatusBadRequest, "validation_error"},
		{errs.NewNotFoundError("x", 1), http.StatusNotFound, "not_found"},
		{errs.NewStaleError("late"), http.StatusConflict, "stale_response"},
		{errs.NewConflictError("dup"), http.StatusConflict, "conflict"},
		{errs.NewForbiddenError("no"), http.StatusForbidden, "forbidden"},
		{errs.NewUnauthorizedError("no"), http.StatusUnauthorized, "unauthorized"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, errs.HTTPStatus(tt.err), tt.err.Error())
		assert.Equal(t, tt.code, errs.Code(tt.err), tt.err.Error())
	}
}
