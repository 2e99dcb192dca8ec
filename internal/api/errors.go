package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/lending-engine/internal/asset"
	"github.com/atmx/lending-engine/internal/bank"
	"github.com/atmx/lending-engine/internal/engine"
	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/store"
)

// statusTable is checked in order; the first match wins.
var statusTable = []struct {
	err    error
	status int
}{
	{engine.ErrInvalidAmount, http.StatusBadRequest},
	{engine.ErrInvalidUser, http.StatusBadRequest},
	{engine.ErrWrongPayment, http.StatusBadRequest},
	{engine.ErrProhibitedToken, http.StatusBadRequest},
	{engine.ErrDuplicateToken, http.StatusBadRequest},
	{asset.ErrInvalidToken, http.StatusBadRequest},
	{fixedpoint.ErrInvalidAmount, http.StatusBadRequest},
	{bank.ErrInvalidAmount, http.StatusBadRequest},

	{engine.ErrUnknownToken, http.StatusNotFound},
	{store.ErrNotFound, http.StatusNotFound},

	{engine.ErrRatioViolation, http.StatusConflict},
	{engine.ErrNotLiquidatable, http.StatusConflict},
	{engine.ErrInsufficientBalance, http.StatusConflict},
	{engine.ErrInsufficientCollateral, http.StatusConflict},
	{engine.ErrInsufficientDebt, http.StatusConflict},
	{engine.ErrInsufficientLiquidity, http.StatusConflict},
	{engine.ErrReentrant, http.StatusConflict},

	{engine.ErrZeroPrice, http.StatusUnprocessableEntity},
	{engine.ErrOverflow, http.StatusUnprocessableEntity},
	{fixedpoint.ErrUnderflow, http.StatusUnprocessableEntity},
	{fixedpoint.ErrDivideByZero, http.StatusUnprocessableEntity},

	{oracle.ErrUnavailable, http.StatusServiceUnavailable},
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// writeEngineError writes err with its mapped status. Unmapped errors are
// logged and hidden behind a generic message.
func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("unhandled engine error", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}
