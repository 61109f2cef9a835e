package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/songzhibin97/autoflow/generator"
	"github.com/songzhibin97/autoflow/schema"
	"github.com/songzhibin97/autoflow/storage"
	"github.com/songzhibin97/autoflow/workflow"
)

// MIMEProblemJSON is the media type of error responses.
const MIMEProblemJSON = "application/problem+json"

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// handleError renders err as a problem document.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, detail := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	problem := ProblemDetails{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}

	c.Response().Header().Set(echo.HeaderContentType, MIMEProblemJSON)
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, problem)
	}
	if err != nil {
		s.logger.Error("failed to write error response", "error", err)
	}
}

func classify(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		if msg, ok := he.Message.(string); ok {
			return he.Code, msg
		}
		return he.Code, http.StatusText(he.Code)
	case errors.Is(err, schema.ErrInvalid), errors.Is(err, generator.ErrEmptyPrompt):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, workflow.ErrTenantRequired):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, storage.ErrWorkflowExists):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
