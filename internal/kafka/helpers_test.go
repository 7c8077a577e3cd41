package kafka

import "go-stream-processor/pkg/models"

func rec(topic string, partition int, offset int64) *models.Record {
	return &models.Record{Topic: topic, Partition: partition, Offset: offset, Payload: []byte(`{}`)}
}
