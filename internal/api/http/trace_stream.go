package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // admin API, CORS is handled by middleware
	},
}

// TraceStream upgrades to a websocket and sends every finished span as a
// JSON text message. ?prefix= keeps only spans whose name starts with it.
// Spans are dropped when the client reads too slowly.
func (h *Handlers) TraceStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("trace stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	spans, cancel := h.tracer.Subscribe(h.streamBuffer)
	defer cancel()
	prefix := c.Query("prefix")
	h.log.Debug("trace stream opened", zap.String("remote", c.ClientIP()), zap.String("prefix", prefix))

	// The client only sends close frames; reading is what notices them.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case span, ok := <-spans:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "tracer closed"),
					time.Now().Add(writeWait))
				return
			}
			if prefix != "" && !strings.HasPrefix(span.Name, prefix) {
				continue
			}
			data, err := sonic.Marshal(span)
			if err != nil {
				h.log.Warn("encode span", zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
