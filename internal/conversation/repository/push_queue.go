package repository

import (
	"context"
	"encoding/json"

	"live_conversation_service/internal/conversation/domain"
	"live_conversation_service/pkg/database"

	"github.com/streadway/amqp"
)

// RabbitPushQueue offline push job queue，由外部 push service 消費
type RabbitPushQueue struct {
	rabbit database.RabbitRepo
	queue  string
}

// NewRabbitPushQueue declare the queue then return the producer
func NewRabbitPushQueue(rabbit database.RabbitRepo, queue string) (*RabbitPushQueue, error) {
	_, err := rabbit.GetRabbit().QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, err
	}
	return &RabbitPushQueue{rabbit: rabbit, queue: queue}, nil
}

// Enqueue publish one push job
func (q *RabbitPushQueue) Enqueue(ctx context.Context, job domain.PushJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rabbit.Publish("", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         data,
	})
}
