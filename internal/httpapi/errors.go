package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/zenglow/fusionrank/pkg/types"
)

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the stable code and a readable message.
type ErrorDetail struct {
	Code    types.Code `json:"code"`
	Message string     `json:"message"`
}

// StatusFor maps a stable code to an HTTP status.
func StatusFor(code types.Code) int {
	switch code {
	case types.CodeInvalidRequest, types.CodeInvalidWeightConfig, types.CodeFeatureSchemaMismatch:
		return http.StatusBadRequest
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case types.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func codeForStatus(status int) types.Code {
	switch status {
	case http.StatusNotFound:
		return types.CodeNotFound
	case http.StatusServiceUnavailable:
		return types.CodeStorageUnavailable
	case http.StatusGatewayTimeout:
		return types.CodeDeadlineExceeded
	}
	if status >= 400 && status < 500 {
		return types.CodeInvalidRequest
	}
	return types.CodeInternal
}

// handleError renders echo and domain errors as ErrorBody.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		status int
		detail ErrorDetail
	)
	var httpErr *echo.HTTPError
	var coded *types.Error
	switch {
	case errors.As(err, &httpErr):
		status = httpErr.Code
		detail = ErrorDetail{Code: codeForStatus(status), Message: fmt.Sprint(httpErr.Message)}
	case errors.As(err, &coded):
		status = StatusFor(coded.Code)
		detail = ErrorDetail{Code: coded.Code, Message: coded.Message}
	default:
		detail.Code = types.CodeOf(err)
		status = StatusFor(detail.Code)
		detail.Message = err.Error()
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed",
			zap.String("code", string(detail.Code)),
			zap.Error(err))
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, ErrorBody{Error: detail})
	}
	if writeErr != nil {
		s.logger.Warn(c.Request().Context(), "failed to write error response", zap.Error(writeErr))
	}
}

func badRequest(msg string) error {
	return types.NewError(types.CodeInvalidRequest, msg, types.ErrInvalidRequest)
}
