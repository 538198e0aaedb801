package handler

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commercecms/notify/src/server/model"
	"github.com/commercecms/notify/src/server/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Internal service behind the platform's gateway; the gateway owns
		// origin policy.
		return true
	},
}

// NotificationHandlers exposes the delivery core over HTTP and WebSocket
type NotificationHandlers struct {
	Dispatcher *service.Dispatcher
	Hub        *service.Hub
	Registry   *service.ConnectionRegistry
	Store      *model.NotificationModel
	DB         *sql.DB
}

type sendRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Subject  string `json:"subject" binding:"required"`
	Content  string `json:"content"`
	URL      string `json:"url"`
	ImageURL string `json:"image_url"`
}

type replyRequest struct {
	ConnectionID string `json:"connection_id" binding:"required"`
	UserID       string `json:"user_id" binding:"required"`
	Subject      string `json:"subject" binding:"required"`
	Content      string `json:"content"`
	URL          string `json:"url"`
	ImageURL     string `json:"image_url"`
}

type broadcastRequest struct {
	Group    string `json:"group" binding:"required"`
	Subject  string `json:"subject" binding:"required"`
	Content  string `json:"content"`
	URL      string `json:"url"`
	ImageURL string `json:"image_url"`
}

// HandleWebSocket upgrades the connection and registers it for live push.
// The caller's user identity rides on connection-time headers, the same
// contract the platform's frontend already uses.
// GET /ws/notifications
func (h *NotificationHandlers) HandleWebSocket(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		userID = c.GetHeader("USERID")
	}
	if userID == "" {
		// Reject before the upgrade so a failed handshake never leaves a
		// registry entry.
		Unauthorized(c, "missing user identity header")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	client := service.NewClient(h.Hub, userID, ulid.Make().String(), conn)
	h.Hub.RegisterClient(client)

	if group := c.Query("group"); group != "" {
		h.Hub.JoinGroup(client.ConnID, group)
	}

	go client.WritePump()
	go client.ReadPump()
}

// SendNotification dispatches a notification to a user across all enabled
// channels.
// POST /api/v1/notifications/send
func (h *NotificationHandlers) SendNotification(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "user_id and subject are required")
		return
	}

	result, err := h.Dispatcher.Send(c.Request.Context(),
		req.UserID, req.Subject, req.Content, req.URL, req.ImageURL)
	if err != nil {
		InternalError(c, "failed to persist notification")
		return
	}

	RespondCreated(c, "notification dispatched", result)
}

// SendReply dispatches a notification back to the single connection that
// originated a request.
// POST /api/v1/notifications/reply
func (h *NotificationHandlers) SendReply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "connection_id, user_id and subject are required")
		return
	}

	result, err := h.Dispatcher.SendToConnection(c.Request.Context(),
		req.ConnectionID, req.UserID, req.Subject, req.Content, req.URL, req.ImageURL)
	if err != nil {
		InternalError(c, "failed to persist notification")
		return
	}

	RespondCreated(c, "notification dispatched", result)
}

// Broadcast pushes a notification to every subscriber of a distribution
// group.
// POST /api/v1/notifications/broadcast
func (h *NotificationHandlers) Broadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "group and subject are required")
		return
	}

	result, err := h.Dispatcher.Broadcast(c.Request.Context(),
		req.Group, req.Subject, req.Content, req.URL, req.ImageURL)
	if err != nil {
		InternalError(c, "broadcast failed")
		return
	}

	RespondData(c, result)
}

// ListNotifications returns one page of a user's notifications, newest
// first, plus the unread total.
// GET /api/v1/users/:id/notifications
func (h *NotificationHandlers) ListNotifications(c *gin.Context) {
	userID := c.Param("id")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	notifications, unread, err := h.Store.ListForUser(c.Request.Context(), userID, offset, limit)
	if err != nil {
		InternalError(c, "failed to retrieve notifications")
		return
	}

	RespondData(c, gin.H{
		"notifications": notifications,
		"unread_count":  unread,
		"limit":         limit,
		"offset":        offset,
		"count":         len(notifications),
	})
}

// UnreadCount returns the user's unread notification count.
// GET /api/v1/users/:id/notifications/count
func (h *NotificationHandlers) UnreadCount(c *gin.Context) {
	userID := c.Param("id")

	count, err := h.Store.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		InternalError(c, "failed to count notifications")
		return
	}

	RespondData(c, gin.H{"unread_count": count})
}

// MarkRead marks one notification as read.
// PUT /api/v1/users/:id/notifications/:nid/read
func (h *NotificationHandlers) MarkRead(c *gin.Context) {
	userID := c.Param("id")
	nid, err := strconv.ParseInt(c.Param("nid"), 10, 64)
	if err != nil {
		BadRequest(c, "invalid notification id")
		return
	}

	if err := h.Store.MarkRead(c.Request.Context(), nid, userID); err != nil {
		NotFound(c, "notification not found")
		return
	}

	RespondData(c, gin.H{"read": true})
}

// MarkAllRead marks all of a user's notifications as read.
// PUT /api/v1/users/:id/notifications/read-all
func (h *NotificationHandlers) MarkAllRead(c *gin.Context) {
	userID := c.Param("id")

	if err := h.Store.MarkAllRead(c.Request.Context(), userID); err != nil {
		InternalError(c, "failed to mark notifications read")
		return
	}

	RespondData(c, gin.H{"read": true})
}

// Healthz reports database reachability and hub statistics.
// GET /healthz
func (h *NotificationHandlers) Healthz(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if err := h.DB.PingContext(c.Request.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"connections":  h.Registry.ConnectionCount(),
		"users_online": h.Registry.UserCount(),
	})
}

// RegisterRoutes wires all routes onto the router
func RegisterRoutes(router *gin.Engine, h *NotificationHandlers) {
	router.GET("/ws/notifications", h.HandleWebSocket)
	router.GET("/healthz", h.Healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		notifications := api.Group("/notifications")
		{
			notifications.POST("/send", h.SendNotification)
			notifications.POST("/reply", h.SendReply)
			notifications.POST("/broadcast", h.Broadcast)
		}

		users := api.Group("/users/:id/notifications")
		{
			users.GET("", h.ListNotifications)
			users.GET("/count", h.UnreadCount)
			users.PUT("/read-all", h.MarkAllRead)
			users.PUT("/:nid/read", h.MarkRead)
		}
	}
}
