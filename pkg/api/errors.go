package api

import (
	"errors"
	"net/http"

	"github.com/cuemby/kube9/pkg/types"
	"github.com/labstack/echo/v4"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps the manager's error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrUnknownNode), errors.Is(err, types.ErrUnknownPod):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNoEligibleNode),
		errors.Is(err, types.ErrDuplicateName),
		errors.Is(err, types.ErrNodeTerminal):
		return http.StatusConflict
	case errors.Is(err, types.ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := statusFor(err)
	msg := err.Error()

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(he.Code)
		}
	}

	resp := ErrorResponse{Error: msg, RequestID: requestID(c)}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, resp)
}

// badRequest wraps a decoding problem so it maps to 400
func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
