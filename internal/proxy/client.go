package proxy

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mudlink/mudlink/internal/buffer"
	"github.com/mudlink/mudlink/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxInboundMessage = 64 * 1024

	// sendQueueSize bounds the per-client outbound queue. A client that
	// falls this far behind is dropped rather than allowed to stall the
	// telnet read path.
	sendQueueSize = 256
)

var errSendQueueFull = errors.New("proxy: client send queue full")

// Client is one WebSocket connection. It implements session.Transport so a
// session can broadcast buffered chunks straight to it.
type Client struct {
	conn *websocket.Conn
	ip   string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an upgraded connection. The caller starts the pumps.
func NewClient(conn *websocket.Conn, ip string) *Client {
	return &Client{
		conn: conn,
		ip:   ip,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// RemoteIP is the admission-control identity of this connection.
func (c *Client) RemoteIP() string { return c.ip }

// Send marshals a message and queues it without blocking. A full queue
// returns an error so the caller can drop this client.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	case c.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

// SendChunk implements session.Transport.
func (c *Client) SendChunk(chunk buffer.Chunk) error {
	return c.Send(chunkMessage(chunk))
}

// Close implements session.Transport. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings. One goroutine per client; gorilla requires a single
// writer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Debug("proxy: client write failed: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump feeds inbound frames to the dispatcher until the connection
// drops, then detaches the client.
func (c *Client) readPump(d *Dispatcher) {
	defer func() {
		d.OnClientDisconnect(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxInboundMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("proxy: client read ended: %v", err)
			}
			return
		}
		d.HandleMessage(c, data)
	}
}
