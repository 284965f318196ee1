package redisnotify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/sellsight/sellsight/internal/domain"
)

// Hub is the full notifier for the server process. Emits go through Redis
// so every server instance sees them; the hub's subscription loop then
// fans each event out to the clients registered locally. Rooms are keyed
// by their Redis channel name.
type Hub struct {
	pub *Publisher
	rdb *redis.Client

	mu    sync.RWMutex
	rooms map[string]map[chan Envelope]struct{}
}

func NewHub(rdb *redis.Client) *Hub {
	return &Hub{
		pub:   NewPublisher(rdb),
		rdb:   rdb,
		rooms: make(map[string]map[chan Envelope]struct{}),
	}
}

// EmitToUser publishes the event; delivery to local clients happens via
// the subscription loop, keeping single- and multi-instance paths equal.
func (h *Hub) EmitToUser(ctx domain.Context, userID, event string, payload map[string]any) {
	h.pub.EmitToUser(ctx, userID, event, payload)
}

// EmitToRoom publishes the event to a named room.
func (h *Hub) EmitToRoom(ctx domain.Context, room, event string, payload map[string]any) {
	h.pub.EmitToRoom(ctx, room, event, payload)
}

// Broadcast publishes the event to every connected client.
func (h *Hub) Broadcast(ctx domain.Context, event string, payload map[string]any) {
	h.pub.Broadcast(ctx, event, payload)
}

// Register attaches a client to a user's room. The returned channel
// receives every event for that user, plus broadcasts, until the cancel
// func runs. Slow clients drop events rather than block the loop.
func (h *Hub) Register(userID string) (<-chan Envelope, func()) {
	return h.register(userChannel(userID))
}

// RegisterRoom attaches a client to a named room.
func (h *Hub) RegisterRoom(room string) (<-chan Envelope, func()) {
	return h.register(roomChannel(room))
}

func (h *Hub) register(channel string) (<-chan Envelope, func()) {
	ch := make(chan Envelope, 64)
	h.mu.Lock()
	if h.rooms[channel] == nil {
		h.rooms[channel] = make(map[chan Envelope]struct{})
	}
	h.rooms[channel][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.rooms[channel]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.rooms, channel)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Run subscribes to all rooms and the broadcast channel and dispatches
// until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.PSubscribe(ctx, "user:*", "room:*", broadcastChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("malformed notify payload", slog.String("channel", msg.Channel), slog.Any("error", err))
				continue
			}
			if msg.Channel == broadcastChannel {
				h.dispatchAll(env)
				continue
			}
			h.dispatch(msg.Channel, env)
		}
	}
}

func (h *Hub) dispatch(channel string, env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.send(h.rooms[channel], channel, env)
}

func (h *Hub) dispatchAll(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for channel, set := range h.rooms {
		h.send(set, channel, env)
	}
}

func (h *Hub) send(set map[chan Envelope]struct{}, channel string, env Envelope) {
	for ch := range set {
		select {
		case ch <- env:
		default:
			slog.Warn("dropping event for slow client",
				slog.String("channel", channel),
				slog.String("event", env.Event))
		}
	}
}

var _ domain.Notifier = (*Hub)(nil)
