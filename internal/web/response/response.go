package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/auroraai/profile-broker/internal/apperrors"
)

// JSON writes a JSON response body. A nil body writes only the status.
func JSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// Error renders any of the error kinds in their wire form. Unexpected
// errors are logged and collapsed into an opaque 500.
func Error(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error) {
	var bearerErr *apperrors.BearerError
	if errors.As(err, &bearerErr) {
		header := fmt.Sprintf("Bearer error=%q", bearerErr.Code)
		if bearerErr.Description != "" {
			header += fmt.Sprintf(", error_description=%q", bearerErr.Description)
		}
		w.Header().Set("WWW-Authenticate", header)
		JSON(w, bearerErr.HTTPCode, map[string]string{
			"error":             bearerErr.Code,
			"error_description": bearerErr.Description,
		})
		return
	}

	var oauthErr *apperrors.OAuthError
	if errors.As(err, &oauthErr) {
		JSON(w, oauthErr.HTTPCode, oauthErr)
		return
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		if appErr.HTTPCode >= http.StatusInternalServerError {
			logger.ErrorContext(ctx, "request failed", "error", appErr)
		}
		JSON(w, appErr.HTTPCode, appErr)
		return
	}

	logger.ErrorContext(ctx, "unhandled error", "error", err)
	JSON(w, http.StatusInternalServerError, apperrors.Internal("An unexpected error occurred", nil))
}
