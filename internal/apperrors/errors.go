package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents a structured application error with context
type AppError struct {
	Code     string `json:"error"`
	Message  string `json:"message"`
	HTTPCode int    `json:"-"`
	Cause    error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	CodeValidation      = "ValidationError"
	CodeNotFound        = "NotFoundError"
	CodeUnauthorized    = "UnauthorizedError"
	CodeForbidden       = "ForbiddenError"
	CodeTooManyRequests = "TooManyRequestsError"
	CodeInternal        = "InternalServerError"
)

func Validation(message string, cause error) *AppError {
	return &AppError{
		Code:     CodeValidation,
		Message:  message,
		HTTPCode: http.StatusBadRequest,
		Cause:    cause,
	}
}

func NotFound(message string, cause error) *AppError {
	return &AppError{
		Code:     CodeNotFound,
		Message:  message,
		HTTPCode: http.StatusNotFound,
		Cause:    cause,
	}
}

func Unauthorized(message string, cause error) *AppError {
	return &AppError{
		Code:     CodeUnauthorized,
		Message:  message,
		HTTPCode: http.StatusUnauthorized,
		Cause:    cause,
	}
}

func Forbidden(message string, cause error) *AppError {
	return &AppError{
		Code:     CodeForbidden,
		Message:  message,
		HTTPCode: http.StatusForbidden,
		Cause:    cause,
	}
}

func TooManyRequests(message string, cause error) *AppError {
	return &AppError{
		Code:     CodeTooManyRequests,
		Message:  message,
		HTTPCode: http.StatusTooManyRequests,
		Cause:    cause,
	}
}

func Internal(message string, cause error) *AppError {
	return &AppError{
		Code:     CodeInternal,
		Message:  message,
		HTTPCode: http.StatusInternalServerError,
		Cause:    cause,
	}
}

// OAuth 2.0 error codes (RFC 6749)
const (
	OAuthInvalidRequest      = "invalid_request"
	OAuthInvalidClient       = "invalid_client"
	OAuthInvalidGrant        = "invalid_grant"
	OAuthInvalidScope        = "invalid_scope"
	OAuthUnauthorizedClient  = "unauthorized_client"
	OAuthUnsupportedGrant    = "unsupported_grant_type"
	OAuthServerError         = "server_error"
	OAuthUnsupportedResponse = "unsupported_response_type"
)

// OAuthError carries an RFC 6749 error code and renders as the standard
// {error, error_description} body on the token and revoke endpoints.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	HTTPCode    int    `json:"-"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func InvalidRequestOAuth(description string) *OAuthError {
	return &OAuthError{Code: OAuthInvalidRequest, Description: description, HTTPCode: http.StatusBadRequest}
}

func InvalidClientOAuth(description string) *OAuthError {
	return &OAuthError{Code: OAuthInvalidClient, Description: description, HTTPCode: http.StatusBadRequest}
}

func InvalidGrantOAuth(description string) *OAuthError {
	return &OAuthError{Code: OAuthInvalidGrant, Description: description, HTTPCode: http.StatusBadRequest}
}

func InvalidScopeOAuth(description string) *OAuthError {
	return &OAuthError{Code: OAuthInvalidScope, Description: description, HTTPCode: http.StatusBadRequest}
}

func UnauthorizedClientOAuth(description string) *OAuthError {
	return &OAuthError{Code: OAuthUnauthorizedClient, Description: description, HTTPCode: http.StatusForbidden}
}

func UnsupportedGrantTypeOAuth(description string) *OAuthError {
	return &OAuthError{Code: OAuthUnsupportedGrant, Description: description, HTTPCode: http.StatusBadRequest}
}

// Bearer token error codes (RFC 6750)
const (
	BearerInvalidRequest    = "invalid_request"
	BearerInvalidToken      = "invalid_token"
	BearerInsufficientScope = "insufficient_scope"
)

// BearerError is surfaced through the WWW-Authenticate response header on
// resource endpoints protected by bearer access tokens.
type BearerError struct {
	Code        string
	Description string
	HTTPCode    int
}

func (e *BearerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func InvalidRequestBearer(description string) *BearerError {
	return &BearerError{Code: BearerInvalidRequest, Description: description, HTTPCode: http.StatusBadRequest}
}

func InvalidTokenBearer(description string) *BearerError {
	return &BearerError{Code: BearerInvalidToken, Description: description, HTTPCode: http.StatusUnauthorized}
}

func InsufficientScopeBearer(description string) *BearerError {
	return &BearerError{Code: BearerInsufficientScope, Description: description, HTTPCode: http.StatusForbidden}
}

// IsCode checks if an error is an AppError with the given code
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPCode extracts the HTTP status code from any of the error kinds above
func HTTPCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPCode
	}
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr.HTTPCode
	}
	var bearerErr *BearerError
	if errors.As(err, &bearerErr) {
		return bearerErr.HTTPCode
	}
	return http.StatusInternalServerError
}
