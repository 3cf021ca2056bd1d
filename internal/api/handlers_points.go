package api

import (
	"context"
	"net/http"

	"github.com/loyalty/loyalty-service/internal/domain"
)

// AwardPointsHandler credits points to a card.
func (h *Handlers) AwardPointsHandler(w http.ResponseWriter, r *http.Request) {
	h.handleLedger(w, r, "award_points", h.points.AwardPoints)
}

// DeductPointsHandler debits points from a card, floored at zero.
func (h *Handlers) DeductPointsHandler(w http.ResponseWriter, r *http.Request) {
	h.handleLedger(w, r, "deduct_points", h.points.DeductPoints)
}

func (h *Handlers) handleLedger(
	w http.ResponseWriter,
	r *http.Request,
	endpoint string,
	apply func(context.Context, domain.LedgerRequest) (*domain.LedgerResult, error),
) {
	var body domain.LedgerRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := apply(r.Context(), body)
	if err != nil {
		code := domain.CodeOf(err)
		if result == nil {
			h.writeEngineError(w, endpoint, err)
			return
		}
		status := statusForCode(code)
		if status >= http.StatusInternalServerError {
			h.logger.Error("request failed", "component", "api", "endpoint", endpoint, "outcome", "failed", "code", code, "err", err)
		}
		result.ErrorCode = code
		h.writeJSON(w, status, result)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}
