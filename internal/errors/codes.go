package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
)

// ErrorCode represents internal error codes for model cache operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeDuplicateLoad   ErrorCode = 1002
	ErrCodeOverloaded      ErrorCode = 1003
	ErrCodeCancelled       ErrorCode = 1004

	// Content errors
	ErrCodeChecksumFailed   ErrorCode = 1500
	ErrCodeCodecUnavailable ErrorCode = 1501
	ErrCodeCorruptedData    ErrorCode = 1502

	// Server errors (5xx equivalent)
	ErrCodeInternal       ErrorCode = 2000
	ErrCodeIOFailure      ErrorCode = 2001
	ErrCodeNetworkFailure ErrorCode = 2002
	ErrCodeQuotaExceeded  ErrorCode = 2003
	ErrCodeClosed         ErrorCode = 2004
)

// String returns a short, stable name for the code
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeDuplicateLoad:
		return "duplicate_load"
	case ErrCodeOverloaded:
		return "overloaded"
	case ErrCodeCancelled:
		return "cancelled"
	case ErrCodeChecksumFailed:
		return "checksum_failed"
	case ErrCodeCodecUnavailable:
		return "codec_unavailable"
	case ErrCodeCorruptedData:
		return "corrupted_data"
	case ErrCodeIOFailure:
		return "io_failure"
	case ErrCodeNetworkFailure:
		return "network_failure"
	case ErrCodeQuotaExceeded:
		return "quota_exceeded"
	case ErrCodeClosed:
		return "closed"
	default:
		return "internal"
	}
}

// ModelError represents a structured error with code, pipeline stage and context
type ModelError struct {
	Code    ErrorCode
	Stage   model.Stage
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ModelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ModelError) Unwrap() error {
	return e.Cause
}

// Is matches another ModelError by code so errors.Is works against the sentinels below
func (e *ModelError) Is(target error) bool {
	t, ok := target.(*ModelError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps the error code to an HTTP status for the control plane
func (e *ModelError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicateLoad:
		return http.StatusConflict
	case ErrCodeOverloaded:
		return http.StatusTooManyRequests
	case ErrCodeCancelled:
		return 499
	case ErrCodeChecksumFailed, ErrCodeCorruptedData:
		return http.StatusUnprocessableEntity
	case ErrCodeCodecUnavailable:
		return http.StatusNotImplemented
	case ErrCodeNetworkFailure:
		return http.StatusBadGateway
	case ErrCodeQuotaExceeded:
		return http.StatusInsufficientStorage
	case ErrCodeClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewModelError creates a new ModelError
func NewModelError(code ErrorCode, message string, cause error) *ModelError {
	return &ModelError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ModelError) WithDetail(key string, value interface{}) *ModelError {
	e.Details[key] = value
	return e
}

// WithStage tags the pipeline stage the error originated in
func (e *ModelError) WithStage(stage model.Stage) *ModelError {
	e.Stage = stage
	return e
}

// Sentinels for errors.Is comparisons. Only the code is compared.
var (
	ErrNotFound         = &ModelError{Code: ErrCodeNotFound, Message: "not found"}
	ErrDuplicateLoad    = &ModelError{Code: ErrCodeDuplicateLoad, Message: "duplicate load in progress"}
	ErrOverloaded       = &ModelError{Code: ErrCodeOverloaded, Message: "too many concurrent loads"}
	ErrCancelled        = &ModelError{Code: ErrCodeCancelled, Message: "load cancelled"}
	ErrChecksumFailed   = &ModelError{Code: ErrCodeChecksumFailed, Message: "checksum validation failed"}
	ErrCodecUnavailable = &ModelError{Code: ErrCodeCodecUnavailable, Message: "codec unavailable"}
	ErrQuotaExceeded    = &ModelError{Code: ErrCodeQuotaExceeded, Message: "quota exceeded"}
	ErrIOFailure        = &ModelError{Code: ErrCodeIOFailure, Message: "i/o failure"}
	ErrNetworkFailure   = &ModelError{Code: ErrCodeNetworkFailure, Message: "network failure"}
	ErrClosed           = &ModelError{Code: ErrCodeClosed, Message: "closed"}
)

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *ModelError {
	return NewModelError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(modelID string) *ModelError {
	return NewModelError(ErrCodeNotFound, fmt.Sprintf("model not found: %s", modelID), nil).
		WithDetail("model_id", modelID)
}

func DuplicateLoad(modelID string) *ModelError {
	return NewModelError(ErrCodeDuplicateLoad, fmt.Sprintf("load already in progress for model %s", modelID), nil).
		WithDetail("model_id", modelID)
}

func Overloaded(active, limit int) *ModelError {
	return NewModelError(ErrCodeOverloaded, fmt.Sprintf("concurrent load limit reached: %d/%d", active, limit), nil).
		WithDetail("active", active).
		WithDetail("limit", limit)
}

func Cancelled(modelID string, cause error) *ModelError {
	return NewModelError(ErrCodeCancelled, fmt.Sprintf("load cancelled for model %s", modelID), cause).
		WithDetail("model_id", modelID)
}

func ChecksumFailed(expected, actual string) *ModelError {
	return NewModelError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %s, got %s", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func CodecUnavailable(compressionType string) *ModelError {
	return NewModelError(ErrCodeCodecUnavailable, fmt.Sprintf("compression codec %q is not available", compressionType), nil).
		WithDetail("compression_type", compressionType)
}

func CorruptedData(message string, cause error) *ModelError {
	return NewModelError(ErrCodeCorruptedData, message, cause)
}

func InternalError(message string, cause error) *ModelError {
	return NewModelError(ErrCodeInternal, message, cause)
}

func IOFailure(message string, cause error) *ModelError {
	return NewModelError(ErrCodeIOFailure, message, cause)
}

func NetworkFailure(url string, cause error) *ModelError {
	return NewModelError(ErrCodeNetworkFailure, fmt.Sprintf("fetch %s failed", url), cause).
		WithDetail("url", url)
}

// QuotaExceeded reports a save that no eviction can make fit. Only the quotas
// that are enabled (non-zero) appear in the message.
func QuotaExceeded(reason string, usedBytes, maxBytes int64, models, maxModels int) *ModelError {
	var usage []string
	if maxBytes > 0 {
		usage = append(usage, fmt.Sprintf("%d/%d bytes", usedBytes, maxBytes))
	}
	if maxModels > 0 {
		usage = append(usage, fmt.Sprintf("%d/%d models", models, maxModels))
	}
	msg := "storage quota exceeded: " + reason
	if len(usage) > 0 {
		msg += " (" + strings.Join(usage, ", ") + ")"
	}
	return NewModelError(ErrCodeQuotaExceeded, msg, nil).
		WithDetail("reason", reason).
		WithDetail("used_bytes", usedBytes).
		WithDetail("max_bytes", maxBytes).
		WithDetail("models", models).
		WithDetail("max_models", maxModels)
}

func Closed(component string) *ModelError {
	return NewModelError(ErrCodeClosed, fmt.Sprintf("%s is closed", component), nil)
}

// IsModelError checks if an error is, or wraps, a ModelError
func IsModelError(err error) bool {
	var me *ModelError
	return stderrors.As(err, &me)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var me *ModelError
	if stderrors.As(err, &me) {
		return me.Code
	}
	return ErrCodeInternal
}

// GetStage extracts the pipeline stage from an error
func GetStage(err error) model.Stage {
	var me *ModelError
	if stderrors.As(err, &me) {
		return me.Stage
	}
	return model.StageNone
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// HTTPStatus returns the HTTP status for any error
func HTTPStatus(err error) int {
	var me *ModelError
	if stderrors.As(err, &me) {
		return me.HTTPStatus()
	}
	return http.StatusInternalServerError
}
