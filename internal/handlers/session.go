package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/requestdata"
	"github.com/odooforge/odooforge-backend/internal/services"
)

type SessionHandler struct {
	log  *logger.Logger
	orch services.Orchestrator
}

func NewSessionHandler(log *logger.Logger, orch services.Orchestrator) *SessionHandler {
	return &SessionHandler{
		log:  log.With("handler", "SessionHandler"),
		orch: orch,
	}
}

// POST /sessions
func (h *SessionHandler) Create(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req struct {
		Name         string `json:"name"`
		OdooVersion  int    `json:"odoo_version"`
		Requirements string `json:"requirements"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", fmt.Errorf("invalid request body"))
		return
	}
	view, err := h.orch.CreateSession(c.Request.Context(), userID, req.Name, req.OdooVersion, req.Requirements)
	if err != nil {
		RespondPipelineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// GET /sessions
func (h *SessionHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	views, err := h.orch.ListSessions(c.Request.Context(), userID)
	if err != nil {
		RespondPipelineError(c, err)
		return
	}
	RespondOK(c, gin.H{"sessions": views})
}

// GET /sessions/:id
func (h *SessionHandler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	view, err := h.orch.GetSession(c.Request.Context(), userID, id)
	if err != nil {
		RespondPipelineError(c, err)
		return
	}
	RespondOK(c, view)
}

// GET /sessions/:id/delivery
func (h *SessionHandler) GetDelivery(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	pkg, err := h.orch.GetDelivery(c.Request.Context(), userID, id)
	if err != nil {
		RespondPipelineError(c, err)
		return
	}
	RespondOK(c, pkg)
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing identity"))
		return uuid.Nil, false
	}
	return rd.UserID, true
}

func sessionIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusNotFound, "session_not_found", services.ErrSessionNotFound)
		return uuid.Nil, false
	}
	return id, true
}
