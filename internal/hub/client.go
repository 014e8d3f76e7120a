package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 4096 // inbound frames carry only subscription commands
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // fronted by a reverse proxy that enforces origin
	},
}

// client is one WebSocket connection. channels is owned by the hub loop;
// the read and write pumps never touch it.
type client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	channels map[string]bool
}

// HandleWS upgrades the request and attaches the connection to the hub.
// Clients start with no subscriptions.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "error", err)
		return
	}

	c := &client{
		id:       uuid.NewString(),
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.sendBuffer),
		channels: make(map[string]bool),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// readPump parses subscription commands until the connection drops.
// Malformed frames are ignored; the connection stays up.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			continue
		}
		switch cmd.Type {
		case "subscribe":
			c.hub.subscribeCh <- subRequest{client: c, channels: cmd.channelList(), add: true}
		case "unsubscribe":
			c.hub.subscribeCh <- subRequest{client: c, channels: cmd.channelList(), add: false}
		}
	}
}

// writePump drains the send buffer and keeps the connection alive. A
// closed send channel (the hub dropped us) ends the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
