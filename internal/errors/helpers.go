package errors

import (
	"fmt"
	"net/http"
)

// NewStorageUnavailable reports that the durable queue could not be opened or written
func NewStorageUnavailable(operation string, err error) *AppError {
	return Wrap(err, ErrCodeStorageUnavailable, fmt.Sprintf("queue %s failed", operation)).
		WithContext("operation", operation)
}

// NewSyncUnsupported reports that background sync cannot be armed on this host
func NewSyncUnsupported(tag, reason string) *AppError {
	return New(ErrCodeSyncUnsupported, "background sync unsupported").
		WithContext("tag", tag).
		WithContext("reason", reason)
}

// NewSyncRejected reports that the host refused a sync registration
func NewSyncRejected(tag, reason string) *AppError {
	return New(ErrCodeSyncRejected, "background sync registration rejected").
		WithContext("tag", tag).
		WithContext("reason", reason)
}

// NewDeliveryError creates a delivery failure for one queued action. Server
// errors, throttling and request timeouts are retryable.
func NewDeliveryError(actionType string, statusCode int, err error) *AppError {
	retryable := statusCode == 0 || statusCode >= 500 ||
		statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout

	appErr := Wrap(err, ErrCodeDeliveryFailure, fmt.Sprintf("delivery of %s failed", actionType)).
		WithContext("action_type", actionType)
	if statusCode != 0 {
		appErr = appErr.WithContext("status_code", statusCode)
	}
	appErr.Retryable = retryable
	return appErr
}

// NewInvalidActionError reports a payload that does not match its action type
func NewInvalidActionError(actionType, message string) *AppError {
	return New(ErrCodeInvalidAction, message).
		WithContext("action_type", actionType)
}

// NewPushPermissionDenied reports that the user or platform refused push
func NewPushPermissionDenied(err error) *AppError {
	return Wrap(err, ErrCodePushPermissionDenied, "push permission denied")
}

// NewPushUnsupported reports that the push platform is not available
func NewPushUnsupported(reason string, err error) *AppError {
	return Wrap(err, ErrCodePushUnsupported, "push unsupported").
		WithContext("reason", reason)
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key)
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration)
}

// HTTPStatusCode maps error codes to HTTP status codes for the agent API
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeInvalidAction, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeDeliveryFailure:
		return http.StatusBadGateway
	case ErrCodeSyncUnsupported, ErrCodePushUnsupported:
		return http.StatusNotImplemented
	case ErrCodeSyncRejected:
		return http.StatusConflict
	case ErrCodePushPermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the error body returned by the agent API
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{RequestID: requestID}

	if appErr, ok := err.(*AppError); ok {
		response.Error.Code = appErr.Code
		response.Error.Message = appErr.Message
		if len(appErr.Context) > 0 {
			response.Error.Context = appErr.Context
		}
		return response
	}

	response.Error.Code = ErrCodeInternalError
	response.Error.Message = "An internal error occurred"
	return response
}
