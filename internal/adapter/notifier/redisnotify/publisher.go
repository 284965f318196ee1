// Package redisnotify delivers real-time events through Redis pub/sub.
//
// Each user has a room channel `user:{id}`; named rooms use `room:{name}`
// and broadcasts go over a single `broadcast` channel. Worker processes
// hold a Publisher (write-only); the server process holds a Hub that also
// subscribes and fans events out to connected clients. Either way, event
// delivery is best-effort: failures are logged and never propagated.
package redisnotify

import (
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/sellsight/sellsight/internal/domain"
)

// Envelope is the wire form of one event on a room channel.
type Envelope struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

const broadcastChannel = "broadcast"

func userChannel(userID string) string { return "user:" + userID }
func roomChannel(room string) string   { return "room:" + room }

// Publisher is the writer-only notifier for worker processes.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// EmitToUser publishes one event to the user's room. Failures are
// swallowed; a dead notifier must not fail a sync or a chat turn.
func (p *Publisher) EmitToUser(ctx domain.Context, userID, event string, payload map[string]any) {
	p.publish(ctx, userChannel(userID), event, payload)
}

// EmitToRoom publishes one event to a named room.
func (p *Publisher) EmitToRoom(ctx domain.Context, room, event string, payload map[string]any) {
	p.publish(ctx, roomChannel(room), event, payload)
}

// Broadcast publishes one event to every connected client.
func (p *Publisher) Broadcast(ctx domain.Context, event string, payload map[string]any) {
	p.publish(ctx, broadcastChannel, event, payload)
}

func (p *Publisher) publish(ctx domain.Context, channel, event string, payload map[string]any) {
	b, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		slog.Error("notify marshal failed", slog.String("event", event), slog.Any("error", err))
		return
	}
	if err := p.rdb.Publish(ctx, channel, b).Err(); err != nil {
		slog.Warn("notify publish failed",
			slog.String("event", event),
			slog.String("channel", channel),
			slog.Any("error", err))
	}
}

var _ domain.Notifier = (*Publisher)(nil)
