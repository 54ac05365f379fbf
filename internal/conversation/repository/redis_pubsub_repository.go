package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"live_conversation_service/internal/conversation/domain"
	"live_conversation_service/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// EventPubSub cross-node event transport
type EventPubSub interface {
	Publish(channel string, evt domain.Event) error
	Subscribe(ctx context.Context, channel string, handler func(evt domain.Event)) error
}

// RedisPubSub definition redis pub/sub
type RedisPubSub struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisPubSub create RedisPubSub
func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{
		client: client,
		ctx:    context.Background(),
	}
}

// Publish 將 event envelope 序列化後，發布到指定 channel
func (r *RedisPubSub) Publish(channel string, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return r.client.Publish(r.ctx, channel, data).Err()
}

// Subscribe 訂閱 channel，收到 envelope 後呼叫 handler 處理；ctx 取消時關閉訂閱
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string, handler func(evt domain.Event)) error {
	sub := r.client.Subscribe(r.ctx, channel)
	go func() {
		ch := sub.Channel()

		for {
			select {
			case m, ok := <-ch:
				if !ok {
					return
				}

				var evt domain.Event
				if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
					logger.Log.Error("pubsub err :", zap.String("err", fmt.Sprintf("failed to unmarshal event: %v", err)))
					continue
				}
				handler(evt)
			case <-ctx.Done():
				logger.Log.Info(fmt.Sprintf("%s , sub close", channel))
				sub.Close()
				return
			}
		}
	}()
	return nil
}
