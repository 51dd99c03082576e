// Package websocket streams audit entries to subscribed operators.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"licensegate/internal/audit"
	"licensegate/internal/infrastructure"
	"licensegate/pkg/contracts/events"
)

const (
	// DefaultSendBuffer is the per-subscriber outbound queue length
	DefaultSendBuffer = 256

	broadcastQueue = 1024
)

// Hub maintains the set of active clients and broadcasts messages to them.
// It implements audit.Observer, so every recorded decision is streamed.
type Hub struct {
	clients map[*Client]struct{}

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *Metrics
	server  string
	cfg     ClientConfig

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ audit.Observer = (*Hub)(nil)

// NewHub creates a new Hub. metrics may be nil.
func NewHub(logger *slog.Logger, metrics *Metrics, server string, cfg ClientConfig) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, broadcastQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		metrics:    metrics,
		server:     server,
		cfg:        cfg.withDefaults(),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop. It returns when ctx is done or Stop is called,
// closing every subscriber on the way out.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.closeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.quit:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()

			cctx := client.context()
			h.metrics.connected(cctx)
			h.logger.InfoContext(cctx, "Client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id))

			h.sendConnect(cctx, client)

		case client := <-h.unregister:
			h.drop(client, "normal")

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			delivered := 0
			for _, client := range clients {
				select {
				case client.send <- message:
					delivered++
				default:
					h.logger.WarnContext(client.context(), "Client send buffer full, disconnecting",
						slog.String("client_id", client.id))
					h.metrics.dropped(ctx, "client")
					h.drop(client, "slow_consumer")
				}
			}
			h.metrics.sent(ctx, delivered)
		}
	}
}

// drop removes client and closes its queue. Only the Run goroutine calls it.
func (h *Hub) drop(client *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	cctx := client.context()
	h.metrics.disconnected(cctx, time.Since(client.connectedAt), reason)
	h.logger.InfoContext(cctx, "Client unregistered",
		slog.Int("total_clients", count),
		slog.String("client_id", client.id),
		slog.String("reason", reason),
		slog.Duration("connection_duration", time.Since(client.connectedAt)))
}

func (h *Hub) closeAll(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.drop(client, "shutdown")
	}
	h.logger.InfoContext(ctx, "Hub shutting down", slog.Int("closed_clients", len(clients)))
}

func (h *Hub) sendConnect(ctx context.Context, client *Client) {
	msg := events.NewMessage(uuid.NewString(), events.MessageTypeConnect, time.Now().UTC(), client.traceID,
		events.ConnectData{Status: "connected", ClientID: client.id, Server: h.server})
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.ErrorContext(ctx, "Error marshaling connect message", slog.String("error", err.Error()))
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.WarnContext(ctx, "Failed to send connection message - client buffer full",
			slog.String("client_id", client.id))
	}
}

// Notify streams an audit entry to every subscriber. It never blocks:
// when the broadcast queue is full the entry is dropped for the stream only.
func (h *Hub) Notify(ctx context.Context, e audit.Entry) {
	msg := events.NewMessage(e.ID, events.MessageTypeAuditEntry, e.Timestamp, e.RequestID, events.AuditEvent{
		Kind:         e.Kind,
		Result:       e.Result,
		Code:         e.Code,
		Message:      e.Message,
		KeyID:        e.KeyID,
		APIKeyMasked: e.APIKeyMasked,
		ProductID:    e.ProductID,
		Domain:       e.Domain,
		IPHash:       e.IPHash,
		ElapsedMS:    e.Elapsed.Milliseconds(),
	})
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.ErrorContext(ctx, "Error marshaling audit message", slog.String("error", err.Error()))
		return
	}
	h.Broadcast(ctx, data)
}

// Broadcast queues a raw message for every subscriber
func (h *Hub) Broadcast(ctx context.Context, message []byte) {
	select {
	case h.broadcast <- message:
	case <-h.done:
	default:
		h.metrics.dropped(ctx, "hub")
		h.logger.WarnContext(ctx, "Broadcast queue full, message dropped")
	}
}

// Register adds a client. It returns false if the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client; safe to call after the hub stopped
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop signals Run to exit and waits for it
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.done
}
