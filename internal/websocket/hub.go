package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/quillpost/api/internal/model"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval = 30 * time.Second
	sendBuffer   = 256
)

// Client represents a WebSocket client watching one import job
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	mu  sync.RWMutex
	log logrus.FieldLogger
}

// BroadcastMessage is a payload for the subscribers of one job
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, sendBuffer),
		done:       make(chan struct{}),
		log:        log.WithField("component", "ws_hub"),
	}
}

// Run starts the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.log.WithField("job_id", client.JobID).Debug("Client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.log.WithField("job_id", client.JobID).Debug("Client unregistered")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// slow consumer
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove drops a client. Callers hold mu.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for client := range clients {
			h.remove(client)
		}
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribers returns how many clients watch jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// NotifyProgress sends a progress event to the subscribers of its job only.
// Terminal events go out as "complete", aborted runs as "error". It never
// blocks: events are dropped when the hub is backed up.
func (h *Hub) NotifyProgress(event model.ProgressEvent) {
	var msg interface{}
	switch {
	case event.Status == model.ImportStatusFailed && event.Reason != "":
		msg = model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: event.JobID,
			Error: model.WSError{
				Code:    "IMPORT_FAILED",
				Message: event.Reason,
			},
		}
	case event.Status.IsTerminal():
		msg = model.WSProgressMessage{Type: model.WSMessageTypeComplete, ProgressEvent: event}
	default:
		msg = model.WSProgressMessage{Type: model.WSMessageTypeProgress, ProgressEvent: event}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Warn("Failed to marshal progress message")
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: event.JobID, Message: data}:
	default:
		h.log.WithField("job_id", event.JobID).Warn("Hub backlog full, dropping progress event")
	}
}

// HandleConnection serves one WebSocket connection until the peer leaves
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, sendBuffer),
	}

	h.Register(client)
	defer h.Unregister(client)

	// only the writer goroutine writes to the connection
	pongs := make(chan struct{}, 1)
	pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pongs:
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).WithField("job_id", jobID).Warn("WebSocket error")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}
