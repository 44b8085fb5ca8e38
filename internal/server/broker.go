package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/engagehq/engage/internal/storage"
)

// Broker fans out Postgres LISTEN/NOTIFY session updates to SSE subscribers.
// It runs a background goroutine that calls db.WaitForNotification in a loop
// and routes each payload to the subscribers of the payload's tenant.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]uuid.UUID // channel -> tenant scope
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// Start begins listening on the sessions channel.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelSessions); err != nil {
		b.logger.Error("broker: listen sessions", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelSessions)

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		b.broadcast(channel, payload)
	}
}

// Subscribe returns a channel that receives SSE-formatted events for one
// tenant. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(tenantID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = tenantID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast routes an event to the subscribers of the payload's tenant. Slow
// subscribers with a full buffer are skipped (their event is dropped) to
// prevent one slow client from blocking all others.
func (b *Broker) broadcast(channel, payload string) {
	var scope struct {
		TenantID uuid.UUID `json:"tenant_id"`
	}
	if err := json.Unmarshal([]byte(payload), &scope); err != nil {
		b.logger.Warn("broker: unparseable notification payload", "error", err)
		return
	}

	event := formatSSE(channel, payload)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, tenantID := range b.subscribers {
		if tenantID != scope.TenantID {
			continue
		}
		select {
		case ch <- event:
		default:
			// Subscriber buffer full — drop this event for them.
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
