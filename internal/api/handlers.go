/**
 * @description
 * HTTP handlers for the loyalty engine. Handlers parse the request, call the
 * engine component and translate engine error codes into HTTP statuses.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/domain: DTOs and the error taxonomy.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/loyalty/loyalty-service/internal/domain"
)

// EnrollmentService is the approval surface of the EnrollmentProcessor.
type EnrollmentService interface {
	ProcessApproval(ctx context.Context, requestID uuid.UUID, approved bool) (*domain.ApprovalResult, error)
	InviteCustomer(ctx context.Context, in domain.InviteRequest) (*domain.ApprovalRequest, error)
	GetApprovalRequest(ctx context.Context, requestID uuid.UUID) (*domain.ApprovalRequest, error)
}

// PointsService is the PointsLedger surface.
type PointsService interface {
	AwardPoints(ctx context.Context, req domain.LedgerRequest) (*domain.LedgerResult, error)
	DeductPoints(ctx context.Context, req domain.LedgerRequest) (*domain.LedgerResult, error)
}

// AuditService is the ConsistencyAuditor surface.
type AuditService interface {
	ScanForDrift(ctx context.Context) ([]domain.Anomaly, error)
	Repair(ctx context.Context, anomaly domain.Anomaly) (*domain.RepairResult, error)
}

// NotificationService is the inbox surface of the NotificationDispatcher.
type NotificationService interface {
	ListNotifications(ctx context.Context, recipientID uuid.UUID, opts domain.NotificationListOptions) ([]domain.Notification, error)
	MarkRead(ctx context.Context, recipientID, notificationID uuid.UUID) error
}

// Handlers holds the engine components the routes call into.
type Handlers struct {
	enrollment    EnrollmentService
	points        PointsService
	audit         AuditService
	notifications NotificationService
	logger        *slog.Logger
}

// NewHandlers creates a new Handlers.
func NewHandlers(enrollment EnrollmentService, points PointsService, audit AuditService, notifications NotificationService, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		enrollment:    enrollment,
		points:        points,
		audit:         audit,
		notifications: notifications,
		logger:        logger,
	}
}

type errorResponse struct {
	Error     string           `json:"error"`
	ErrorCode domain.ErrorCode `json:"error_code,omitempty"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("failed to encode response", "component", "api", "err", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

// writeEngineError reports an engine failure with its code.
func (h *Handlers) writeEngineError(w http.ResponseWriter, endpoint string, err error) {
	code := domain.CodeOf(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "component", "api", "endpoint", endpoint, "outcome", "failed", "code", code, "err", err)
	}
	h.writeJSON(w, status, errorResponse{Error: messageForCode(code), ErrorCode: code})
}

// statusForCode maps an engine error code onto an HTTP status.
func statusForCode(code domain.ErrorCode) int {
	switch code {
	case "":
		return http.StatusOK
	case domain.CodeAlreadyProcessed, domain.CodeAnomalyResolved:
		return http.StatusOK
	case domain.CodeRequestNotFound, domain.CodeCardNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidPoints, domain.CodeInvalidRequest:
		return http.StatusBadRequest
	case domain.CodeAlreadyEnrolled:
		return http.StatusConflict
	case domain.CodeNotEnrolled, domain.CodeCardInactive:
		return http.StatusUnprocessableEntity
	case domain.CodeRequestExpired:
		return http.StatusGone
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	}
	if code.Transient() && code != domain.CodeInternal {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func messageForCode(code domain.ErrorCode) string {
	switch code {
	case domain.CodeRequestNotFound:
		return "Approval request not found."
	case domain.CodeCardNotFound:
		return "Loyalty card not found."
	case domain.CodeInvalidPoints:
		return "Points must be a positive whole number."
	case domain.CodeInvalidRequest:
		return "Invalid request."
	case domain.CodeAlreadyEnrolled:
		return "Customer is already enrolled in this program."
	case domain.CodeNotEnrolled:
		return "Customer is not enrolled in this program."
	case domain.CodeCardInactive:
		return "Loyalty card is not active."
	case domain.CodeRequestExpired:
		return "Approval request has expired."
	case domain.CodeRateLimited:
		return "Too many points requests. Please retry shortly."
	}
	if code.Transient() && code != domain.CodeInternal {
		return "Temporarily unavailable. Please retry."
	}
	return "Internal server error."
}

func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}
