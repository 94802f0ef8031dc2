package ws

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/orlandolorenzomk/springops-sub000/internal/service/deploy"
)

const backlog = 256

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans deploy events out to subscribers of one application.
type Hub struct {
	clients   map[int64]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	dropped   atomic.Int64
	logger    *slog.Logger
}

type message struct {
	applicationID int64
	payload       []byte
}

type subscription struct {
	applicationID int64
	client        Subscriber
}

// NewHub creates a running Hub. Call Close to stop it.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:   make(map[int64]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, backlog),
		done:      make(chan struct{}),
		logger:    logger.With("component", "ws_hub"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.applicationID]; !ok {
				h.clients[sub.applicationID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.applicationID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.applicationID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.applicationID)
				}
			}
		case msg := <-h.broadcast:
			clients, ok := h.clients[msg.applicationID]
			if !ok {
				continue
			}
			for c := range clients {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					delete(clients, c)
				}
			}
			if len(clients) == 0 {
				delete(h.clients, msg.applicationID)
			}
		}
	}
}

// Register adds a client to an application stream.
func (h *Hub) Register(applicationID int64, client Subscriber) {
	select {
	case h.register <- subscription{applicationID: applicationID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(applicationID int64, client Subscriber) {
	select {
	case h.unreg <- subscription{applicationID: applicationID, client: client}:
	case <-h.done:
	}
}

// Publish implements deploy.Publisher. Events are dropped rather than
// blocking the pipeline when the backlog is full.
func (h *Hub) Publish(event deploy.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode event failed", "application_id", event.ApplicationID, "error", err)
		return
	}
	select {
	case h.broadcast <- message{applicationID: event.ApplicationID, payload: payload}:
	case <-h.done:
	default:
		if n := h.dropped.Add(1); n%100 == 1 {
			h.logger.Warn("event backlog full, dropping", "application_id", event.ApplicationID, "dropped_total", n)
		}
	}
}

// Dropped reports how many events were discarded because the backlog was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops the hub and closes every subscriber.
func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
