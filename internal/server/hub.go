package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tanq16/rangefetch/internal/downloader"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // control API binds to localhost by default
	},
}

// Event is one message on the /ws stream.
type Event struct {
	Type     string               `json:"type"`
	JobID    string               `json:"jobId"`
	Snapshot *downloader.Snapshot `json:"snapshot,omitempty"`
	Segment  *int                 `json:"segment,omitempty"`
	Attempt  int                  `json:"attempt,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Hub fans events out to every connected websocket client.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			log.Debug().Str("op", "server/hub").Str("remote", client.conn.RemoteAddr().String()).Msg("Client connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Debug().Str("op", "server/hub").Msg("Client disconnected")
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Publish queues ev for broadcast. Events are dropped when the hub is
// saturated; the REST endpoint always has the latest state.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Str("op", "server/hub").Err(err).Msg("Could not encode event")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Warn().Str("op", "server/hub").Str("type", ev.Type).Msg("Event dropped, hub busy")
	}
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("op", "server/hub").Err(err).Msg("Websocket upgrade failed")
		return
	}
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
}
