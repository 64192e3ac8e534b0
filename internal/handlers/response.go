package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/odooforge/odooforge-backend/internal/pipeline"
	"github.com/odooforge/odooforge-backend/internal/services"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondPipelineError maps the pipeline and collaborator error taxonomy onto
// HTTP statuses. Anything unrecognized is a 500.
func RespondPipelineError(c *gin.Context, err error) {
	var vErr *pipeline.ValidationError
	var uErr *pipeline.UnreachableStageError
	var nErr *pipeline.NotCompletedError
	var cErr *services.CollaboratorError
	var rErr *services.RetryExhaustedError

	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		RespondError(c, http.StatusNotFound, "session_not_found", err)
	case errors.As(err, &vErr):
		RespondError(c, http.StatusUnprocessableEntity, "validation_error", err)
	case errors.As(err, &uErr):
		RespondError(c, http.StatusConflict, "unreachable_stage", err)
	case errors.As(err, &nErr):
		RespondError(c, http.StatusConflict, "stage_not_completed", err)
	case errors.As(err, &rErr):
		RespondError(c, http.StatusConflict, "retry_exhausted", err)
	case errors.As(err, &cErr):
		if cErr.Timeout {
			RespondError(c, http.StatusGatewayTimeout, "collaborator_timeout", err)
			return
		}
		RespondError(c, http.StatusBadGateway, "collaborator_failure", err)
	default:
		RespondError(c, http.StatusInternalServerError, "internal_error", err)
	}
}
