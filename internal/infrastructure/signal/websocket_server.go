package signal

import (
	"net/http"
	"strings"
	"time"

	"undercover/internal/core/domain"
	"undercover/internal/core/ports"
	"undercover/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReasonAdmissionFailed closes a socket the registry refused to admit.
const ReasonAdmissionFailed = "connection failed"

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	MaxMessageSize int64
	// MessagesPerSecond throttles inbound frames per connection; 0 disables it.
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBufferSize: 256,
		MaxMessageSize: 64 * 1024,
	}
}

type WebSocketServer struct {
	sessions   ports.SessionRegistry
	verifier   ports.TokenVerifier
	dispatcher *Dispatcher

	upgrader websocket.Upgrader
	cfg      ServerConfig

	logger *zap.SugaredLogger
}

var _ ports.WebSocketHandler = (*WebSocketServer)(nil)

func NewWebSocketServer(sessions ports.SessionRegistry, verifier ports.TokenVerifier, dispatcher *Dispatcher, cfg ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &WebSocketServer{
		sessions:   sessions,
		verifier:   verifier,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// RegisterRoutes mounts the general and the room-bound endpoint.
func (s *WebSocketServer) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", s.HandleWebSocket)
	r.GET("/ws/:room_id", s.HandleWebSocket)
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || lo.Contains(s.cfg.AllowedOrigins, origin) || lo.Contains(s.cfg.AllowedOrigins, "*")
}

func (s *WebSocketServer) HandleWebSocket(c *gin.Context) {
	room := domain.RoomID(c.Param("room_id"))

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	user, err := s.verifier.Verify(tokenFromRequest(c.Request))
	if err != nil {
		s.logger.Warnw("websocket authentication failed", "room_id", room, "error", err)
		rejectConnection(conn, CloseAuthRequired, "authentication required", s.cfg.WriteTimeout)
		return
	}

	transport := NewConnection(conn, s.cfg.SendBufferSize, s.cfg.WriteTimeout, s.cfg.PingInterval, s.logger.With("user_id", user))
	if !s.sessions.Admit(user, transport, room) {
		s.logger.Warnw("websocket admission refused", "user_id", user, "room_id", room)
		transport.Close(ReasonAdmissionFailed)
		return
	}

	s.serve(c, user, conn, transport)
}

// serve runs the receive loop until the client goes away or the registry
// closes the transport.
func (s *WebSocketServer) serve(c *gin.Context, user domain.UserID, conn *websocket.Conn, transport *Connection) {
	ctx := c.Request.Context()

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		s.sessions.Heartbeat(user)
		return nil
	})

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	messageChan := make(chan []byte, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- data:
			case <-transport.Done():
				return
			}
		}
	}()

	reason := services.ReasonClientClosed
	for {
		select {
		case data := <-messageChan:
			if limiter != nil && !limiter.Allow() {
				s.sessions.Deliver(user, domain.ErrorEnvelope("rate limit exceeded"))
				continue
			}
			s.dispatcher.Dispatch(ctx, user, data)

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Infow("error reading message from user", "user_id", user, "error", err)
				reason = services.ReasonTransportFailure
			}
			goto cleanup

		case <-transport.Done():
			goto cleanup
		}
	}

cleanup:
	if s.sessions.Release(user, transport, reason) {
		s.logger.Infow("user disconnected", "user_id", user, "reason", reason)
	}
	transport.Close(reason)
}

// tokenFromRequest reads ?token= first, then an Authorization bearer header.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
