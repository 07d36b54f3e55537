package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/trialmatch/trialmatch/internal/types"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps an error to its HTTP status and machine-readable code.
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code, "http_error"
	case errors.Is(err, types.ErrTrialNotFound):
		return http.StatusNotFound, "trial_not_found"
	case errors.Is(err, types.ErrPatientNotFound):
		return http.StatusNotFound, "patient_not_found"
	case errors.Is(err, types.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, types.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "upstream_unavailable"
	case errors.Is(err, types.ErrNoValidPatients):
		return http.StatusBadRequest, "no_valid_patients"
	case errors.Is(err, types.ErrInvalidOption):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, types.ErrCacheNotReady), errors.Is(err, types.ErrNoPatients):
		return http.StatusServiceUnavailable, "cache_not_ready"
	case errors.Is(err, types.ErrLoadInProgress):
		return http.StatusConflict, "load_in_progress"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// errorHandler replaces echo's default so every error body has one shape.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, code := statusFor(err)
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			if s, ok := he.Message.(string); ok {
				msg = s
			}
		}
		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			// Internal detail stays in the log.
			logger.Debug("request failed", zap.String("request_id", requestID(c)), zap.Error(err))
			if status == http.StatusInternalServerError {
				msg = "internal server error"
			}
		}

		body := errorResponse{Error: msg, Code: code, RequestID: requestID(c)}
		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Warn("failed to write error response", zap.Error(werr))
		}
	}
}
