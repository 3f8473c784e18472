package relay

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/groupplan/roomsync/internal/room"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	profileContextKey = "roomsync_profile"

	writeDeadline = 10 * time.Second
	pongDeadline  = 60 * time.Second
	pingInterval  = 30 * time.Second
)

var (
	errMissingHub            = errors.New("relay hub dependency required")
	errMissingTokenValidator = errors.New("token validator dependency required")
	errInvalidAuthorization  = errors.New("authorization missing or invalid")
)

// TokenValidator checks a bearer token and returns the profile it carries.
type TokenValidator interface {
	ValidateToken(token string) (room.Profile, error)
}

// Dependencies collects what the HTTP surface needs.
type Dependencies struct {
	Hub            *Hub
	TokenValidator TokenValidator
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
}

// NewHTTPHandler builds the relay's HTTP surface: health, metrics, and the
// per-room sync websocket.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		hub:    deps.Hub,
		tokens: deps.TokenValidator,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/rooms/:roomID/sync", handler.handleRoomSync)
	protected.GET("/rooms/:roomID/snapshot", handler.handleRoomSnapshot)

	return router, nil
}

type httpHandler struct {
	hub      *Hub
	tokens   TokenValidator
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest accepts the token from the Authorization header or,
// for browser websocket clients that cannot set headers, from the
// access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	profile, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(profileContextKey, profile)
	c.Next()
}

func (h *httpHandler) handleRoomSync(c *gin.Context) {
	roomID, err := room.NewRoomID(c.Param("roomID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room"})
		return
	}
	profile, _ := c.MustGet(profileContextKey).(room.Profile)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("room_id", roomID.String()),
			zap.Error(err))
		return
	}

	client, err := h.hub.Join(roomID)
	if err != nil {
		h.logger.Warn("room join failed",
			zap.String("room_id", roomID.String()),
			zap.Error(err))
		conn.Close()
		return
	}
	h.logger.Info("connection attached",
		zap.String("room_id", roomID.String()),
		zap.String("user_id", profile.UserID.String()))

	go h.writePump(conn, client)
	h.readPump(conn, client)
}

func (h *httpHandler) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		client.Close()
		conn.Close()
	}()
	conn.SetReadDeadline(time.Now().Add(pongDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongDeadline))
		return nil
	})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		client.Ingest(payload)
	}
}

func (h *httpHandler) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case payload, ok := <-client.Outbound():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleRoomSnapshot serves the relay's current merged view of a live
// room. Rooms with no attached connections return 404; their state lives
// in the mirror, not in memory.
func (h *httpHandler) handleRoomSnapshot(c *gin.Context) {
	roomID, err := room.NewRoomID(c.Param("roomID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room"})
		return
	}
	snapshot, ok := h.hub.RoomSnapshot(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_active"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
