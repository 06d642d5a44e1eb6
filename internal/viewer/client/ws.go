// Package client talks to a running helper: the overlay WebSocket feed and
// the small HTTP surface the viewer needs.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/native-helper/helper/internal/overlay"
)

const (
	reconnectBaseDelay = 500 * time.Millisecond
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	// The helper pings every 30s; three missed pings means the link is dead.
	pingTimeout = 90 * time.Second
)

// WSClient manages the WebSocket connection to the overlay server.
type WSClient struct {
	url    string
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSClient creates a client for the given WebSocket URL, e.g.
// ws://127.0.0.1:8765/overlay.
func NewWSClient(url string) *WSClient {
	return &WSClient{url: url, dialer: websocket.DefaultDialer}
}

// --- Bubble Tea messages ---

// WSConnectedMsg is sent when the WebSocket connects.
type WSConnectedMsg struct{}

// WSDisconnectedMsg is sent when the connection drops.
type WSDisconnectedMsg struct{ Err error }

// OverlayMsg delivers one overlay message from the feed.
type OverlayMsg struct{ Message overlay.Message }

// Listen returns a Bubble Tea command that dials until it connects or ctx
// ends, backing off exponentially between attempts.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		for {
			conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
			if err == nil {
				c.mu.Lock()
				if c.conn != nil {
					c.conn.Close()
				}
				c.conn = conn
				c.mu.Unlock()
				return WSConnectedMsg{}
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
		}
	}
}

// ReadLoop returns a Bubble Tea command that reads until the next overlay
// message. It should be reissued after every OverlayMsg.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return WSDisconnectedMsg{Err: errors.New("no connection")}
		}

		conn.SetPingHandler(func(data string) error {
			_ = conn.SetReadDeadline(time.Now().Add(pingTimeout))
			err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
		_ = conn.SetReadDeadline(time.Now().Add(pingTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.drop(conn)
				if ctx.Err() != nil {
					return nil
				}
				return WSDisconnectedMsg{Err: err}
			}

			var msg overlay.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			return OverlayMsg{Message: msg}
		}
	}
}

func (c *WSClient) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// Close sends a normal close frame and closes the current connection, if any.
func (c *WSClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	conn.Close()
}
