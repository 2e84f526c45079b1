package http

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"undercover/internal/core/domain"
	"undercover/internal/core/ports"
	"undercover/pkg/errors"
	"undercover/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	systemActor         = "system"
)

// RoomMuter applies a mute change and announces it to the room.
type RoomMuter interface {
	SetRoomMute(room domain.RoomID, muted bool, changedBy string)
}

type AdminHandler struct {
	sessions  ports.SessionRegistry
	moderator ports.ChatModerator
	muter     RoomMuter
	maxIdle   time.Duration
	logger    *zap.SugaredLogger
}

var _ ports.AdminHandler = (*AdminHandler)(nil)

func NewAdminHandler(
	sessions ports.SessionRegistry,
	moderator ports.ChatModerator,
	muter RoomMuter,
	maxIdle time.Duration,
	logger *zap.SugaredLogger,
) *AdminHandler {
	return &AdminHandler{
		sessions:  sessions,
		moderator: moderator,
		muter:     muter,
		maxIdle:   maxIdle,
		logger:    logger,
	}
}

// SetupRoutes mounts the admin surface on group, which is expected to carry
// the admin auth middleware already.
func (h *AdminHandler) SetupRoutes(group *gin.RouterGroup) {
	group.GET("/connections/stats", h.ConnectionStats)
	group.POST("/connections/cleanup", h.CleanupConnections)

	rooms := group.Group("/rooms/:id")
	{
		rooms.GET("/users", h.RoomUsers)
		rooms.GET("/chat/stats", h.RoomChatStats)
		rooms.GET("/chat/history", h.RoomChatHistory)
		rooms.POST("/chat/mute", h.MuteRoom)
		rooms.POST("/moderators", h.AddModerator)
		rooms.DELETE("/chat", h.ClearRoomChat)
	}
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

type addModeratorRequest struct {
	UserID string `json:"user_id" binding:"required,max=100"`
}

func (h *AdminHandler) ConnectionStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessions.Stats())
}

func (h *AdminHandler) CleanupConnections(c *gin.Context) {
	cleaned := h.sessions.SweepInactive(h.maxIdle)
	h.logger.Infow("admin cleanup", "cleaned_count", cleaned, "max_idle", h.maxIdle)

	c.JSON(http.StatusOK, gin.H{
		"message":       fmt.Sprintf("cleaned up %d inactive connections", cleaned),
		"cleaned_count": cleaned,
	})
}

func (h *AdminHandler) RoomUsers(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}

	users := slices.Clone(h.sessions.MembersOf(room))
	slices.Sort(users)
	if users == nil {
		users = []domain.UserID{}
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id":    room,
		"users":      users,
		"user_count": len(users),
	})
}

func (h *AdminHandler) RoomChatStats(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.moderator.RoomStats(room))
}

func (h *AdminHandler) RoomChatHistory(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}

	limit, err := validation.ParseLimit(c.Query("limit"), defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	messages := h.moderator.History(room, limit)
	c.JSON(http.StatusOK, gin.H{
		"room_id":       room,
		"messages":      messages,
		"message_count": len(messages),
	})
}

func (h *AdminHandler) MuteRoom(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}

	var req muteRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}
	muted := true
	if req.Muted != nil {
		muted = *req.Muted
	}

	h.muter.SetRoomMute(room, muted, systemActor)
	h.logger.Infow("admin changed room mute", "room_id", room, "muted", muted)

	c.JSON(http.StatusOK, gin.H{
		"room_id": room,
		"muted":   muted,
	})
}

func (h *AdminHandler) AddModerator(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}

	var req addModeratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("user_id is required"))
		return
	}
	if err := validation.ValidateUserID(req.UserID); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	user := domain.UserID(req.UserID)
	h.moderator.AddModerator(room, user)
	h.logger.Infow("admin added moderator", "room_id", room, "user_id", user)

	c.JSON(http.StatusOK, gin.H{
		"room_id":   room,
		"user_id":   user,
		"moderator": true,
	})
}

func (h *AdminHandler) ClearRoomChat(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}

	h.moderator.ClearRoom(room)
	h.logger.Infow("admin cleared room chat", "room_id", room)

	c.JSON(http.StatusOK, gin.H{
		"room_id": room,
		"cleared": true,
	})
}

func roomParam(c *gin.Context) (domain.RoomID, bool) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.RoomID(id), true
}
