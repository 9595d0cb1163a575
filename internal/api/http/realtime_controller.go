package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/hub"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/signaling"
	"github.com/beebee-coder/classroom-virtuelle-sub001/lib/logger/sl"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// RealtimeController serves the hub over websockets, one socket per client.
type RealtimeController struct {
	hub          *hub.Hub
	log          *slog.Logger
	writeTimeout time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

func NewRealtimeController(h *hub.Hub, writeTimeout, pingInterval time.Duration, log *slog.Logger) *RealtimeController {
	if log == nil {
		log = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &RealtimeController{
		hub:          h,
		log:          log,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (c *RealtimeController) Connect(ctx *gin.Context) {
	const op = "api.realtime.connect"

	clientID := strings.TrimSpace(ctx.Query("client_id"))
	if clientID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
		return
	}
	if clientID == hub.ServerClientID {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "client_id is reserved"})
		return
	}

	socket, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		c.log.Warn("websocket upgrade failed", slog.String("op", op), sl.Err(err))
		return
	}
	log := c.log.With(slog.String("op", op), slog.String("client_id", clientID))

	client := c.hub.Register(clientID)
	done := make(chan struct{})
	go c.forwardEvents(socket, client, done, log)

	// Every ping is answered within two intervals or the socket is dropped.
	readWindow := 2 * c.pingInterval
	_ = socket.SetReadDeadline(time.Now().Add(readWindow))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(readWindow))
	})

	for {
		var f signaling.Frame
		if err := socket.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("socket read failed", sl.Err(err))
			}
			break
		}
		_ = socket.SetReadDeadline(time.Now().Add(readWindow))
		// Rejections go back to the client as error frames. A closed client
		// was evicted by the hub; the socket is already closing.
		if err := c.hub.Handle(client, f); errors.Is(err, hub.ErrClientClosed) {
			log.Info("client evicted")
			break
		}
	}

	c.hub.Unregister(client)
	<-done
	socket.Close()
	log.Debug("client disconnected")
}

// forwardEvents is the only writer on socket. It stops when the hub closes
// the client's queue or a write fails.
func (c *RealtimeController) forwardEvents(socket *websocket.Conn, client *hub.Client, done chan<- struct{}, log *slog.Logger) {
	defer close(done)

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-client.Events:
			if !ok {
				_ = socket.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.writeTimeout),
				)
				return
			}
			_ = socket.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := socket.WriteJSON(f); err != nil {
				log.Warn("socket write failed", sl.Err(err))
				socket.Close()
				return
			}
		case <-ticker.C:
			if err := socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				log.Debug("ping failed", sl.Err(err))
				socket.Close()
				return
			}
		}
	}
}
