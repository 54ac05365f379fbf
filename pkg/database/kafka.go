package database

import (
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// NewKafkaWriterWithRetry 建立事件鏡射用的 Kafka Writer 並確認 broker 可連線
// Balancer 用 Hash：訊息以 room 當 key，同一會話的事件落在同一 partition 保序
func NewKafkaWriterWithRetry(k KafkaConnection) (*kafka.Writer, error) {
	var err error

	for attempt := 1; attempt <= k.RetryCount; attempt++ {
		// 先 dial broker 確認連線，避免往事件 topic 塞測試訊息
		var conn *kafka.Conn
		conn, err = kafka.Dial("tcp", k.Brokers[0])
		if err == nil {
			conn.Close()
			log.Printf("Kafka Writer 建立成功 (嘗試 %d 次)", attempt)
			return kafka.NewWriter(kafka.WriterConfig{
				Brokers:  k.Brokers,
				Topic:    k.Topic,
				Balancer: &kafka.Hash{},
			}), nil
		}

		log.Printf("Kafka Writer 建立失敗 (嘗試 %d/%d): %v", attempt, k.RetryCount, err)
		time.Sleep(k.RetryInterval * time.Second)
	}

	return nil, fmt.Errorf("無法建立 Kafka Writer，經過 %d 次嘗試: %v", k.RetryCount, err)
}
