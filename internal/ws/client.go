package ws

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"paychat_core/internal/logging"
	"paychat_core/internal/pubsub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var clientIDCounter atomic.Uint64

// Client is one websocket session. It satisfies pubsub.Subscriber.
type Client struct {
	id     string
	userID string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, userID string, buffer int) *Client {
	return &Client{
		id:     fmt.Sprintf("ws-%d", clientIDCounter.Add(1)),
		userID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Deliver queues ev without blocking. It reports false when the send
// buffer is full.
func (c *Client) Deliver(ev pubsub.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to encode event")
		return true
	}
	return c.enqueue(data)
}

// Dropped is called by the bus after it removed a slow client.
func (c *Client) Dropped() {
	logging.Warn().Str("user_id", c.userID).Str("client_id", c.id).Msg("closing slow websocket client")
	c.close()
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// reply sends a frame to this connection only.
func (c *Client) reply(ev pubsub.Event) {
	if !c.Deliver(ev) {
		c.Dropped()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("client_id", c.id).Msg("unexpected websocket close error")
			}
			return
		}
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.reply(submitError("malformed frame"))
			continue
		}
		c.hub.handle(c, f)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Debug().Err(err).Str("client_id", c.id).Msg("websocket write failed")
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
