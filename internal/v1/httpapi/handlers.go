// Package httpapi exposes the push API surface (§6 HTTP surface) as gin
// handlers: POST /push, /push/users, /broadcast, /broadcast/all, /notify.
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/messagegateway/gateway/internal/v1/push"
)

// Pusher is the subset of push.Service the handlers need.
type Pusher interface {
	PushToUser(ctx context.Context, userID, event string, payload any, volatile bool) (push.Result, error)
	PushToUsers(ctx context.Context, userIDs []string, event string, payload any, volatile bool) (push.Result, error)
	BroadcastToRoom(ctx context.Context, roomName, event string, payload any, volatile bool) (push.Result, error)
	BroadcastToAll(ctx context.Context, event string, payload any) (push.Result, error)
}

// Handlers wires the push API surface onto gin request handlers.
type Handlers struct {
	push Pusher
}

// NewHandlers builds a Handlers over the given push service.
func NewHandlers(p Pusher) *Handlers {
	return &Handlers{push: p}
}

type pushRequest struct {
	UserID   string `json:"userId"`
	Event    string `json:"event"`
	Payload  any    `json:"payload"`
	Volatile bool   `json:"volatile"`
}

type pushUsersRequest struct {
	UserIDs  []string `json:"userIds"`
	Event    string   `json:"event"`
	Payload  any      `json:"payload"`
	Volatile bool     `json:"volatile"`
}

type broadcastRequest struct {
	Room     string `json:"room"`
	Event    string `json:"event"`
	Payload  any    `json:"payload"`
	Volatile bool   `json:"volatile"`
}

type broadcastAllRequest struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type notifyRequest struct {
	UserID  string `json:"userId"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

func validationError(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   message,
		"code":    code,
	})
}

func notFoundError(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
		"success": false,
		"error":   message,
		"code":    "NOT_FOUND",
	})
}

func internalError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
		"success": false,
		"error":   err.Error(),
		"code":    "MESSAGE_DELIVERY_ERROR",
	})
}

// requireJSONContentType rejects requests whose Content-Type isn't
// application/json, per §6's 415 contract. Bodyless requests (no
// Content-Length) are allowed through since there's nothing to parse.
func requireJSONContentType(c *gin.Context) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	ct := c.GetHeader("Content-Type")
	if !strings.HasPrefix(ct, "application/json") {
		c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
			"success": false,
			"error":   "expected application/json",
			"code":    "UNSUPPORTED_MEDIA_TYPE",
		})
		return false
	}
	return true
}

// Push handles POST /push {userId,event,payload,volatile?}.
func (h *Handlers) Push(c *gin.Context) {
	if !requireJSONContentType(c) {
		return
	}
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "VALIDATION_ERROR", "request body must be valid JSON")
		return
	}
	if req.UserID == "" || req.Event == "" {
		validationError(c, "MISSING_REQUIRED_FIELDS", "userId and event are required")
		return
	}

	result, err := h.push.PushToUser(c.Request.Context(), req.UserID, req.Event, req.Payload, req.Volatile)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "requestId": result.RequestID, "result": result})
}

// PushUsers handles POST /push/users {userIds,event,payload,volatile?}.
func (h *Handlers) PushUsers(c *gin.Context) {
	if !requireJSONContentType(c) {
		return
	}
	var req pushUsersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "VALIDATION_ERROR", "request body must be valid JSON")
		return
	}
	if len(req.UserIDs) == 0 || req.Event == "" {
		validationError(c, "MISSING_REQUIRED_FIELDS", "userIds and event are required")
		return
	}

	result, err := h.push.PushToUsers(c.Request.Context(), req.UserIDs, req.Event, req.Payload, req.Volatile)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "requestId": result.RequestID, "result": result})
}

// Broadcast handles POST /broadcast {room,event,payload,volatile?}.
func (h *Handlers) Broadcast(c *gin.Context) {
	if !requireJSONContentType(c) {
		return
	}
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "VALIDATION_ERROR", "request body must be valid JSON")
		return
	}
	if req.Room == "" || req.Event == "" {
		validationError(c, "MISSING_REQUIRED_FIELDS", "room and event are required")
		return
	}

	result, err := h.push.BroadcastToRoom(c.Request.Context(), req.Room, req.Event, req.Payload, req.Volatile)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			notFoundError(c, err.Error())
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "requestId": result.RequestID, "result": result})
}

// BroadcastAll handles POST /broadcast/all {event,payload}.
func (h *Handlers) BroadcastAll(c *gin.Context) {
	if !requireJSONContentType(c) {
		return
	}
	var req broadcastAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "VALIDATION_ERROR", "request body must be valid JSON")
		return
	}
	if req.Event == "" {
		validationError(c, "MISSING_REQUIRED_FIELDS", "event is required")
		return
	}

	result, err := h.push.BroadcastToAll(c.Request.Context(), req.Event, req.Payload)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "requestId": result.RequestID, "result": result})
}

// Notify handles POST /notify {userId,title,message,type}, a thin
// convenience wrapper around PushToUser that shapes the payload into a
// structured notification event.
func (h *Handlers) Notify(c *gin.Context) {
	if !requireJSONContentType(c) {
		return
	}
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "VALIDATION_ERROR", "request body must be valid JSON")
		return
	}
	if req.UserID == "" || req.Message == "" {
		validationError(c, "MISSING_REQUIRED_FIELDS", "userId and message are required")
		return
	}
	if req.Type == "" {
		req.Type = "info"
	}

	result, err := h.push.PushToUser(c.Request.Context(), req.UserID, "notification", map[string]string{
		"title":   req.Title,
		"message": req.Message,
		"type":    req.Type,
	}, true)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "requestId": result.RequestID, "result": result})
}
