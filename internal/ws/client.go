package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/native-helper/helper/internal/hub"
)

// client pumps one hub subscription onto one WebSocket connection. The
// subscription's buffer is the per-connection queue: when the peer falls
// behind the hub drops messages for this client only.
type client struct {
	conn       *websocket.Conn
	sub        *hub.Subscription
	logger     zerolog.Logger
	pingPeriod time.Duration
	pongWait   time.Duration
	done       chan struct{} // closed when the read side ends
}

func newClient(conn *websocket.Conn, sub *hub.Subscription, logger zerolog.Logger, pingPeriod, pongWait time.Duration) *client {
	return &client{
		conn:       conn,
		sub:        sub,
		logger:     logger,
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
		done:       make(chan struct{}),
	}
}

func (c *client) run() {
	go c.readPump()
	c.writePump()
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		c.conn.Close()
		c.logger.Debug().Uint64("dropped", c.sub.Dropped()).Msg("overlay client disconnected")
	}()

	for {
		select {
		case msg, ok := <-c.sub.C():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error().Err(err).Msg("encode overlay message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump discards inbound frames and notices when the peer goes away or
// stops answering pings.
func (c *client) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(maxInboundSize)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(c.pongWait)) }
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("overlay client read error")
			}
			return
		}
		_ = extend()
	}
}
