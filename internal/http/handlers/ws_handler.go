// README: Websocket endpoint; pumps frames between the socket and a realtime session.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"courier/internal/http/middleware"
	"courier/internal/modules/realtime"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxFrameSize = 4 << 10
)

type WSOptions struct {
	PingInterval time.Duration
	IdleTimeout  time.Duration
}

type WSHandler struct {
	rt       *realtime.Service
	upgrader websocket.Upgrader
	opts     WSOptions
	log      *zap.Logger
}

func NewWSHandler(rt *realtime.Service, opts WSOptions, log *zap.Logger) *WSHandler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.IdleTimeout <= opts.PingInterval {
		opts.IdleTimeout = 2 * opts.PingInterval
	}
	return &WSHandler{
		rt: rt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth is by token; origin is not checked.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		opts: opts,
		log:  log,
	}
}

func (h *WSHandler) Serve(c *gin.Context) {
	actor := middleware.CallerActor(c)
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := h.rt.Open(actor)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.rt.Close(conn)
		_ = ws.Close()
	}()

	go h.writeLoop(ctx, ws, conn)

	ws.SetReadLimit(wsMaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))
	})
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", zap.String("session_id", conn.Session.ID), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))
		h.rt.Handle(ctx, conn, raw)
	}
}

// writeLoop is the only writer on ws.
func (h *WSHandler) writeLoop(ctx context.Context, ws *websocket.Conn, conn *realtime.Conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Session.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			_ = ws.Close()
			return
		case msg := <-conn.Session.Out():
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}
