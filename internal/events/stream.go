package events

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamHandler upgrades the request to a websocket and forwards bus
// events as JSON. An optional "types" query parameter (comma separated)
// filters by event type.
func StreamHandler(bus *Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := parseTypes(c.Query("types"))

		// Subscribe before upgrading so nothing published after the
		// handshake completes is missed.
		sub := bus.Subscribe("ws_" + uuid.New().String())
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			sub.Close()
			bus.logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		logger := bus.logger.With().Str("subscriber", sub.Name()).Str("remote", c.ClientIP()).Logger()
		logger.Info().Msg("event stream opened")

		done := make(chan struct{})
		go func() {
			defer close(done)
			conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(pongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer func() {
			ticker.Stop()
			sub.Close()
			conn.Close()
			logger.Info().Uint64("dropped", sub.Dropped()).Msg("event stream closed")
		}()

		for {
			select {
			case ev, ok := <-sub.C():
				if !ok {
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bus closed"))
					return
				}
				if len(filter) > 0 && !filter[ev.Type] {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					logger.Debug().Err(err).Msg("write failed")
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}

func parseTypes(raw string) map[Type]bool {
	if raw == "" {
		return nil
	}
	out := make(map[Type]bool)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out[Type(strings.ToUpper(part))] = true
		}
	}
	return out
}
