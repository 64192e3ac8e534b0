package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/services"
)

// PipelineHandler exposes the stage operations: draft generation, approval,
// the generate-and-test loop and user acceptance.
type PipelineHandler struct {
	log  *logger.Logger
	orch services.Orchestrator
}

func NewPipelineHandler(log *logger.Logger, orch services.Orchestrator) *PipelineHandler {
	return &PipelineHandler{
		log:  log.With("handler", "PipelineHandler"),
		orch: orch,
	}
}

// POST /sessions/:id/specification/generate
func (h *PipelineHandler) GenerateSpecification(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	view, err := h.orch.GenerateSpecification(c.Request.Context(), userID, id)
	if err != nil {
		RespondPipelineError(c, err)
		return
	}
	RespondOK(c, view)
}

// PUT /sessions/:id/specification
func (h *PipelineHandler) UpdateSpecification(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", fmt.Errorf("invalid request body"))
		return
	}
	view, err := h.orch.UpdateSpecification(c.Request.Context(), userID, id, req.Content)
	if err != nil {
		RespondPipelineError(c, err)
		return
	}
	RespondOK(c, view)
}

// POST /sessions/:id/specification/approve
func (h *PipelineHandler) ApproveSpecification(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	view, err := h.orch.ApproveSpecification(c.Request.Context(), userID, id)
	if err != nil {
		RespondPipelineError(c, err)
		return
	}
	RespondOK(c, view)
}

// POST /sessions/:id/plan/generate
func (h *PipelineHandler) GeneratePlan(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	view, err := h.orch.GeneratePlan(c.Request.Context(), userID, id)
	if err != nil {
		RespondPipelineError(c, err)
		return
	}
	RespondOK(c, view)
}

// POST /sessions/:id/plan/approve
func (h *PipelineHandler) ApprovePlan(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	view, err := h.orch.ApprovePlan(c.Request.Context(), userID, id)
	if err != nil {
		RespondPipelineError(c, err)
		return
	}
	RespondOK(c, view)
}

// POST /sessions/:id/generate
func (h *PipelineHandler) GenerateModule(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	outcome, err := h.orch.GenerateModule(c.Request.Context(), userID, id)
	if err != nil {
		RespondPipelineError(c, err)
		return
	}
	RespondOK(c, outcome)
}

// POST /sessions/:id/acceptance/start
func (h *PipelineHandler) StartAcceptance(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	env, err := h.orch.StartAcceptance(c.Request.Context(), userID, id)
	if err != nil {
		RespondPipelineError(c, err)
		return
	}
	RespondOK(c, env)
}

// POST /sessions/:id/acceptance/verdict
func (h *PipelineHandler) SubmitAcceptanceVerdict(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Accepted bool   `json:"accepted"`
		Feedback string `json:"feedback"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", fmt.Errorf("invalid request body"))
		return
	}
	view, err := h.orch.SubmitAcceptanceVerdict(c.Request.Context(), userID, id, req.Accepted, req.Feedback)
	if err != nil {
		RespondPipelineError(c, err)
		return
	}
	RespondOK(c, view)
}
