package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabCore/internal/cache"
	"collabCore/internal/collab"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Manager upgrades authenticated HTTP requests into collaboration sessions.
type Manager struct {
	hub      *Hub
	svc      collab.Service
	presence cache.Tracker
	sem      *collab.Semaphore
	log      *zap.Logger
}

func NewManager(hub *Hub, svc collab.Service, presence cache.Tracker, sem *collab.Semaphore, log *zap.Logger) *Manager {
	return &Manager{hub: hub, svc: svc, presence: presence, sem: sem, log: log}
}

// WebSocketConnect expects the auth middleware to have set userId/username
// on the gin context.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed",
			zap.String("origin", c.Request.Header.Get("Origin")), zap.Error(err))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, m.svc, m.presence, m.sem, m.log, userID, username)

	// the write loop must be draining before anything lands on the queue
	go wsConn.writeLoop()
	wsConn.Enqueue(ServerMessage{Type: "welcome"})
	wsConn.readLoop(c.Request.Context())
}
