package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/loyalty/loyalty-service/internal/domain"
)

type approvalResponse struct {
	Success      bool                  `json:"success"`
	RequestID    uuid.UUID             `json:"request_id"`
	Status       domain.ApprovalStatus `json:"status"`
	CardID       *uuid.UUID            `json:"card_id,omitempty"`
	EnrollmentID *uuid.UUID            `json:"enrollment_id,omitempty"`
	ErrorCode    domain.ErrorCode      `json:"error_code,omitempty"`
}

// RespondToApprovalHandler applies the customer's accept or decline.
func (h *Handlers) RespondToApprovalHandler(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request ID")
		return
	}

	var body domain.RespondRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Approved == nil {
		h.writeError(w, http.StatusBadRequest, "approved is required")
		return
	}

	result, err := h.enrollment.ProcessApproval(r.Context(), requestID, *body.Approved)
	if err != nil {
		h.writeEngineError(w, "respond_approval", err)
		return
	}

	h.writeJSON(w, statusForCode(result.ErrorCode), approvalResponse{
		Success:      result.ErrorCode == "",
		RequestID:    result.RequestID,
		Status:       result.Status,
		CardID:       result.CardID,
		EnrollmentID: result.EnrollmentID,
		ErrorCode:    result.ErrorCode,
	})
}

// InviteCustomerHandler creates (or returns the live) approval request for a customer.
func (h *Handlers) InviteCustomerHandler(w http.ResponseWriter, r *http.Request) {
	var body domain.InviteRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	request, err := h.enrollment.InviteCustomer(r.Context(), body)
	if err != nil {
		h.writeEngineError(w, "invite_customer", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, request)
}

// GetApprovalRequestHandler returns a request with implicit expiry applied.
func (h *Handlers) GetApprovalRequestHandler(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request ID")
		return
	}

	request, err := h.enrollment.GetApprovalRequest(r.Context(), requestID)
	if err != nil {
		h.writeEngineError(w, "get_approval", err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}
