package repository

import (
	"context"
	"encoding/json"

	"live_conversation_service/internal/conversation/domain"

	"github.com/segmentio/kafka-go"
)

// KafkaEventStream mirror every emitted event to kafka for downstream consumers
// 寫入失敗只影響 mirror，不影響即時推送
type KafkaEventStream struct {
	writer *kafka.Writer
}

// NewKafkaEventStream create KafkaEventStream
func NewKafkaEventStream(writer *kafka.Writer) *KafkaEventStream {
	return &KafkaEventStream{writer: writer}
}

// Append write one event, keyed by room 讓同房間事件落在同一 partition
func (s *KafkaEventStream) Append(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.Room),
		Value: data,
	})
}
