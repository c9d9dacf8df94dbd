// Package handlers wires the HTTP surface: the WebSocket upgrade, the
// stats endpoint and the admin API for channels and webhooks.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AwwCookies/Chatterbox-sub000/internal/archive"
	"github.com/AwwCookies/Chatterbox-sub000/internal/broker"
	"github.com/AwwCookies/Chatterbox-sub000/internal/irc"
	"github.com/AwwCookies/Chatterbox-sub000/internal/registry"
	"github.com/AwwCookies/Chatterbox-sub000/internal/webhooks"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/models"
)

// Handlers bundles the HTTP endpoints' dependencies.
type Handlers struct {
	registry   *registry.Registry
	session    *irc.Session
	parser     *irc.Parser
	buffer     *archive.Buffer
	hub        *broker.Hub
	dispatcher *webhooks.Dispatcher
	logger     logging.Logger
}

// New builds the handler set.
func New(reg *registry.Registry, session *irc.Session, parser *irc.Parser,
	buffer *archive.Buffer, hub *broker.Hub, dispatcher *webhooks.Dispatcher,
	logger logging.Logger) *Handlers {
	return &Handlers{
		registry:   reg,
		session:    session,
		parser:     parser,
		buffer:     buffer,
		hub:        hub,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// HandleWebSocket upgrades the connection into the broker.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

// HandleStats reports pipeline counters.
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"irc": gin.H{
			"state":          string(h.session.State()),
			"reconnects":     h.session.Reconnects(),
			"dropped_frames": h.session.DroppedFrames(),
			"frames_parsed":  h.parser.Parsed(),
			"parse_errors":   h.parser.ParseErrors(),
		},
		"archive":  h.buffer.Stats(),
		"broker":   h.hub.GetStats(),
		"webhooks": h.dispatcher.Stats(),
	})
}

// HandleListChannels returns the channel set.
func (h *Handlers) HandleListChannels(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	channels, err := h.registry.List(c.Request.Context(), activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// HandleAddChannel activates a channel and joins it.
func (h *Handlers) HandleAddChannel(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	ch, err := h.registry.Add(c.Request.Context(), req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, ch)
}

// HandleRemoveChannel deactivates a channel and parts it.
func (h *Handlers) HandleRemoveChannel(c *gin.Context) {
	if err := h.registry.Remove(c.Request.Context(), c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleRejoinChannel cycles a channel's IRC membership.
func (h *Handlers) HandleRejoinChannel(c *gin.Context) {
	name := c.Param("name")
	h.session.Rejoin(name)
	c.JSON(http.StatusOK, gin.H{"rejoined": name})
}

// HandleFlush forces the archive buffer to drain.
func (h *Handlers) HandleFlush(c *gin.Context) {
	if err := h.buffer.FlushNow(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.buffer.Stats())
}

// HandleListWebhooks returns registrations with masked URLs.
func (h *Handlers) HandleListWebhooks(c *gin.Context) {
	regs, err := h.dispatcher.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": regs})
}

type createWebhookRequest struct {
	OwnerID int                  `json:"owner_id"`
	Kind    models.WebhookKind   `json:"kind" binding:"required"`
	Filter  models.WebhookFilter `json:"filter"`
	URL     string               `json:"url" binding:"required"`
	Enabled *bool                `json:"enabled"`
}

// HandleCreateWebhook registers a new destination.
func (h *Handlers) HandleCreateWebhook(c *gin.Context) {
	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	reg, err := h.dispatcher.Register(c.Request.Context(), models.WebhookRegistration{
		OwnerID: req.OwnerID,
		Kind:    req.Kind,
		Filter:  req.Filter,
		URL:     req.URL,
		Enabled: enabled,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, reg)
}

// HandleDeleteWebhook removes a registration.
func (h *Handlers) HandleDeleteWebhook(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
		return
	}
	if err := h.dispatcher.Unregister(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleUpdateWebhook flips a registration's enabled flag.
func (h *Handlers) HandleUpdateWebhook(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
		return
	}
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}
	if err := h.dispatcher.SetEnabled(c.Request.Context(), id, *req.Enabled); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// RegisterRoutes attaches the public and admin routes.
func (h *Handlers) RegisterRoutes(router *gin.Engine, adminAuth gin.HandlerFunc) {
	router.GET("/ws", h.HandleWebSocket)
	router.GET("/stats", h.HandleStats)

	admin := router.Group("/admin")
	admin.Use(adminAuth)
	admin.GET("/channels", h.HandleListChannels)
	admin.POST("/channels", h.HandleAddChannel)
	admin.DELETE("/channels/:name", h.HandleRemoveChannel)
	admin.POST("/channels/:name/rejoin", h.HandleRejoinChannel)
	admin.POST("/flush", h.HandleFlush)
	admin.GET("/webhooks", h.HandleListWebhooks)
	admin.POST("/webhooks", h.HandleCreateWebhook)
	admin.DELETE("/webhooks/:id", h.HandleDeleteWebhook)
	admin.PATCH("/webhooks/:id", h.HandleUpdateWebhook)
}
