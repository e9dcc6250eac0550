package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"kasracing/internal/model"
)

// PubSubChannel is the redis channel carrying every realtime event from the
// services to the websocket hub.
const PubSubChannel = "kasracing_events"

// Publisher delivers typed realtime events to connected clients. Services
// hold this interface; the redis implementation decouples them from the hub.
type Publisher interface {
	Publish(ctx context.Context, eventType, channel string, payload interface{}) error
}

// RedisPublisher fans events out over redis pub/sub.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, eventType, channel string, payload interface{}) error {
	ev := model.Event{
		Type:      eventType,
		Channel:   channel,
		Payload:   payload,
		EmittedAt: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, PubSubChannel, raw).Err()
}

// NopPublisher drops every event; used in tests and backfill mode.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, interface{}) error { return nil }
