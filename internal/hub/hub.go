// Package hub fans realtime events out to WebSocket subscribers. Clients
// subscribe to named channels; every event is wrapped in a typed envelope.
// Per-client send buffers are bounded, and a client that cannot keep up
// is disconnected rather than allowed to stall the fan-out loop.
package hub

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/perpdex/syncd/internal/metrics"
)

// Exact channel names clients may subscribe to. Market data channels are
// scoped per symbol and validated by prefix instead.
var exactChannels = map[string]bool{
	"positions":           true,
	"orders":              true,
	"fills":               true,
	"system.status":       true,
	"leaderboard.updates": true,
	"agent.signals":       true,
}

func knownChannel(name string) bool {
	if exactChannels[name] {
		return true
	}
	for _, prefix := range []string{"market.price.", "market.orderbook."} {
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return true
		}
	}
	return false
}

// Envelope is the wire format for every outbound event.
type Envelope struct {
	Type    string `json:"type"` // "event", "subscribed", "unsubscribed"
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	TS      int64  `json:"ts"` // unix milliseconds
}

// command is the inbound client protocol. A single channel or a list is
// accepted; anything that does not parse into a known type is silently
// ignored.
type command struct {
	Type     string   `json:"type"` // "subscribe" | "unsubscribe"
	Channel  string   `json:"channel,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

func (c command) channelList() []string {
	if c.Channel != "" {
		return append([]string{c.Channel}, c.Channels...)
	}
	return c.Channels
}

type outbound struct {
	channel string
	data    []byte
}

type subRequest struct {
	client   *client
	channels []string
	add      bool
}

// Hub owns all connection state from a single goroutine; registration,
// subscription changes, and publishes all arrive over channels.
type Hub struct {
	register    chan *client
	unregister  chan *client
	publishCh   chan outbound
	subscribeCh chan subRequest
	clients     map[*client]bool
	sendBuffer  int
	log         *slog.Logger

	count atomic.Int64
}

// New creates a hub. sendBuffer bounds each client's outbound queue.
func New(sendBuffer int, log *slog.Logger) *Hub {
	return &Hub{
		register:    make(chan *client),
		unregister:  make(chan *client),
		publishCh:   make(chan outbound, 1024),
		subscribeCh: make(chan subRequest),
		clients:     make(map[*client]bool),
		sendBuffer:  sendBuffer,
		log:         log.With("component", "hub"),
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int { return int(h.count.Load()) }

// Publish queues an event for fan-out. Never blocks the caller: when the
// hub's intake is full the event is dropped and counted.
func (h *Hub) Publish(channel string, payload any) {
	data, err := json.Marshal(Envelope{
		Type:    "event",
		Channel: channel,
		Data:    payload,
		TS:      time.Now().UnixMilli(),
	})
	if err != nil {
		h.log.Error("marshal event", "channel", channel, "error", err)
		return
	}
	select {
	case h.publishCh <- outbound{channel: channel, data: data}:
	default:
		metrics.HubDroppedTotal.Inc()
	}
}

// Run is the hub's event loop. Must run in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.count.Store(int64(len(h.clients)))
			metrics.HubClients.Set(float64(len(h.clients)))
			h.log.Debug("client connected", "client", c.id, "total", len(h.clients))

		case c := <-h.unregister:
			h.drop(c)

		case req := <-h.subscribeCh:
			if !h.clients[req.client] {
				continue
			}
			h.applySubscription(req)

		case msg := <-h.publishCh:
			for c := range h.clients {
				if !c.channels[msg.channel] {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Slow consumer: closing beats unbounded queueing.
					metrics.HubDroppedTotal.Inc()
					h.log.Warn("disconnecting slow subscriber", "client", c.id, "channel", msg.channel)
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int64(len(h.clients)))
	metrics.HubClients.Set(float64(len(h.clients)))
}

func (h *Hub) applySubscription(req subRequest) {
	var accepted []string
	for _, name := range req.channels {
		if !knownChannel(name) {
			continue
		}
		if req.add {
			req.client.channels[name] = true
		} else {
			delete(req.client.channels, name)
		}
		accepted = append(accepted, name)
	}
	if len(accepted) == 0 {
		return
	}

	ackType := "subscribed"
	if !req.add {
		ackType = "unsubscribed"
	}
	ack, err := json.Marshal(Envelope{
		Type: ackType,
		Data: accepted,
		TS:   time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	select {
	case req.client.send <- ack:
	default:
	}
}
