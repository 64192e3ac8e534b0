package handlers

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/services"
	"github.com/odooforge/odooforge-backend/internal/sse"
)

// SSEHandler streams pipeline progress events. A client opens one stream and
// subscribes it to the channels of the sessions it watches; subscription is
// rejected for sessions the caller does not own.
type SSEHandler struct {
	log  *logger.Logger
	hub  *sse.SSEHub
	orch services.Orchestrator

	mu      sync.Mutex
	clients map[uuid.UUID]*sse.SSEClient
}

func NewSSEHandler(log *logger.Logger, hub *sse.SSEHub, orch services.Orchestrator) *SSEHandler {
	return &SSEHandler{
		log:     log.With("handler", "SSEHandler"),
		hub:     hub,
		orch:    orch,
		clients: map[uuid.UUID]*sse.SSEClient{},
	}
}

// GET /sse/stream
func (h *SSEHandler) SSEStream(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	client := h.hub.NewSSEClient(userID)
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, client.ID)
		h.mu.Unlock()
		h.hub.CloseClient(client)
	}()

	// Send the client id first so subscribe calls can reference this stream.
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"client_id\":%q}\n\n", client.ID)
	c.Writer.Flush()

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}

// POST /sse/subscribe
func (h *SSEHandler) SSESubscribe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	clientID, sessionID, ok := h.bindSubscription(c)
	if !ok {
		return
	}
	// Ownership gate: the session must resolve for this user.
	if _, err := h.orch.GetSession(c.Request.Context(), userID, sessionID); err != nil {
		RespondPipelineError(c, err)
		return
	}
	h.mu.Lock()
	client, exists := h.clients[clientID]
	h.mu.Unlock()
	if !exists || client.UserID != userID {
		RespondError(c, http.StatusNotFound, "unknown_client", fmt.Errorf("unknown stream client"))
		return
	}
	h.hub.AddChannel(client, sse.SessionChannel(sessionID))
	RespondOK(c, gin.H{"subscribed": sse.SessionChannel(sessionID)})
}

// POST /sse/unsubscribe
func (h *SSEHandler) SSEUnsubscribe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	clientID, sessionID, ok := h.bindSubscription(c)
	if !ok {
		return
	}
	h.mu.Lock()
	client, exists := h.clients[clientID]
	h.mu.Unlock()
	if !exists || client.UserID != userID {
		RespondError(c, http.StatusNotFound, "unknown_client", fmt.Errorf("unknown stream client"))
		return
	}
	h.hub.RemoveChannel(client, sse.SessionChannel(sessionID))
	RespondOK(c, gin.H{"unsubscribed": sse.SessionChannel(sessionID)})
}

func (h *SSEHandler) bindSubscription(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	var req struct {
		ClientID  string `json:"client_id"`
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", fmt.Errorf("invalid request body"))
		return uuid.Nil, uuid.Nil, false
	}
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", fmt.Errorf("invalid client_id"))
		return uuid.Nil, uuid.Nil, false
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", fmt.Errorf("invalid session_id"))
		return uuid.Nil, uuid.Nil, false
	}
	return clientID, sessionID, true
}
