package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atmx/lending-engine/internal/engine"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/store"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrInvalidAmount, http.StatusBadRequest},
		{fmt.Errorf("deposit: %w", engine.ErrWrongPayment), http.StatusBadRequest},
		{engine.ErrUnknownToken, http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{engine.ErrRatioViolation, http.StatusConflict},
		{engine.ErrNoCollateral, http.StatusConflict},
		{engine.ErrNotLiquidatable, http.StatusConflict},
		{engine.ErrInsufficientLiquidity, http.StatusConflict},
		{engine.ErrZeroPrice, http.StatusUnprocessableEntity},
		{engine.ErrOverflow, http.StatusUnprocessableEntity},
		{fmt.Errorf("valuation: price ETH: %w", oracle.ErrUnavailable), http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteEngineError_HidesInternal(t *testing.T) {
	w := httptest.NewRecorder()
	writeEngineError(w, errors.New("pq: connection refused"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if got := w.Body.String(); got != "{\"error\":\"internal error\"}\n" {
		t.Errorf("unexpected body %q", got)
	}
}
