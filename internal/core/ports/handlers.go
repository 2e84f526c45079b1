package ports

import (
	"github.com/gin-gonic/gin"
)

type AdminHandler interface {
	ConnectionStats(c *gin.Context)
	CleanupConnections(c *gin.Context)
	RoomUsers(c *gin.Context)
	RoomChatStats(c *gin.Context)
	RoomChatHistory(c *gin.Context)
	MuteRoom(c *gin.Context)
	AddModerator(c *gin.Context)
	ClearRoomChat(c *gin.Context)
}

type WebSocketHandler interface {
	HandleWebSocket(c *gin.Context)
}
