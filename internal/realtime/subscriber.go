package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kasracing/internal/model"
)

// StartRedisSubscriber bridges the redis pub/sub channel into the websocket
// hub: every event published by the services is re-broadcast to subscribed
// clients. observe, when non-nil, records the publish-to-fanout delay per
// event. Runs until ctx is cancelled.
func StartRedisSubscriber(ctx context.Context, rdb *redis.Client, hub *Hub, observe func(time.Duration), logger *zap.Logger) {
	sub := rdb.Subscribe(ctx, PubSubChannel)
	ch := sub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg := <-ch:
				if msg == nil {
					continue
				}
				var ev model.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.Warn("drop malformed realtime event", zap.Error(err))
					continue
				}
				if observe != nil && ev.EmittedAt > 0 {
					observe(time.Since(time.UnixMilli(ev.EmittedAt)))
				}
				hub.Broadcast(ev)
			}
		}
	}()
}
