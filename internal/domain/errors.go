/**
 * @description
 * Error taxonomy for the enrollment and points engine. Every failure that
 * crosses the engine boundary is an *EngineError carrying a stable ErrorCode
 * so callers (and the HTTP layer) can decide between retrying, alerting, or
 * showing a terminal message.
 */

package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable, caller-visible identifier of a failure.
type ErrorCode string

const (
	CodeRequestNotFound           ErrorCode = "REQUEST_NOT_FOUND"
	CodeAlreadyProcessed          ErrorCode = "ALREADY_PROCESSED"
	CodeRequestExpired            ErrorCode = "REQUEST_EXPIRED"
	CodeAlreadyEnrolled           ErrorCode = "ALREADY_ENROLLED"
	CodeRequestUpdateFailed       ErrorCode = "REQUEST_UPDATE_FAILED"
	CodeNotificationResolveFailed ErrorCode = "NOTIFICATION_RESOLVE_FAILED"
	CodeEnrollmentCreationFailed  ErrorCode = "ENROLLMENT_CREATION_FAILED"
	CodeCardCreationFailed        ErrorCode = "CARD_CREATION_FAILED"
	CodeNotEnrolled               ErrorCode = "NOT_ENROLLED"
	CodeCardNotFound              ErrorCode = "CARD_NOT_FOUND"
	CodeCardInactive              ErrorCode = "CARD_INACTIVE"
	CodeInvalidPoints             ErrorCode = "INVALID_POINTS"
	CodeInvalidRequest            ErrorCode = "INVALID_REQUEST"
	CodeRateLimited               ErrorCode = "RATE_LIMITED"
	CodePointsAwardFailed         ErrorCode = "POINTS_AWARD_FAILED"
	CodePointsDeductFailed        ErrorCode = "POINTS_DEDUCT_FAILED"
	CodeNotificationFailed        ErrorCode = "NOTIFICATION_FAILED"
	CodeDriftDetected             ErrorCode = "DRIFT_DETECTED"
	CodeRepairFailed              ErrorCode = "REPAIR_FAILED"
	CodeAnomalyResolved           ErrorCode = "ANOMALY_RESOLVED"
	CodeInternal                  ErrorCode = "INTERNAL_ERROR"
)

// Transient reports whether a caller should offer a retry for this code.
func (c ErrorCode) Transient() bool {
	switch c {
	case CodeRequestUpdateFailed,
		CodeNotificationResolveFailed,
		CodeEnrollmentCreationFailed,
		CodeCardCreationFailed,
		CodePointsAwardFailed,
		CodePointsDeductFailed,
		CodeRateLimited,
		CodeRepairFailed,
		CodeInternal:
		return true
	default:
		return false
	}
}

// Error lets a bare code be used as an errors.Is target.
func (c ErrorCode) Error() string { return string(c) }

// EngineError wraps a cause with the code and the step that produced it.
type EngineError struct {
	Code ErrorCode
	Step string
	Err  error
}

func (e *EngineError) Error() string {
	switch {
	case e.Step != "" && e.Err != nil:
		return fmt.Sprintf("%s at %s: %v", e.Code, e.Step, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Step != "":
		return fmt.Sprintf("%s at %s", e.Code, e.Step)
	default:
		return string(e.Code)
	}
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches both another *EngineError with the same code and a bare ErrorCode.
func (e *EngineError) Is(target error) bool {
	switch t := target.(type) {
	case ErrorCode:
		return e.Code == t
	case *EngineError:
		return e.Code == t.Code
	}
	return false
}

// NewError builds an EngineError.
func NewError(code ErrorCode, step string, err error) *EngineError {
	return &EngineError{Code: code, Step: step, Err: err}
}

// CodeOf extracts the ErrorCode from err, or CodeInternal when err is not an engine error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return CodeInternal
}
