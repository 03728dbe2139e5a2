package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"roombook/internal/model"

	"github.com/gin-gonic/gin"
)

type errorBody struct {
	Error    string    `json:"error"`
	Message  string    `json:"message,omitempty"`
	Conflict *conflict `json:"conflict,omitempty"`
}

// conflict is the interval that blocked a request. It leaves out who holds it.
type conflict struct {
	ResourceID int64     `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

func statusOf(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch model.KindOf(err) {
	case "invalid_argument":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "permission_denied":
		return http.StatusForbidden
	case "precondition_failed":
		return http.StatusPreconditionFailed
	case "conflict":
		return http.StatusConflict
	case "gone":
		return http.StatusGone
	case "unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	body := errorBody{Error: model.KindOf(err), Message: err.Error()}
	if status == http.StatusGatewayTimeout {
		body.Error = "deadline_exceeded"
	}
	var ce *model.ConflictError
	if errors.As(err, &ce) {
		body.Message = "resource is already booked for that time"
		body.Conflict = &conflict{ResourceID: ce.With.ResourceID, Start: ce.With.Start, End: ce.With.End}
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", requestField(c), errField(err))
		// internal details stay in the log
		if status == http.StatusInternalServerError {
			body.Message = "internal error"
		}
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "invalid_argument", Message: msg})
}
