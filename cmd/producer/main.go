package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"time"

	"go-stream-processor/internal/config"
	"go-stream-processor/internal/kafka"
	"go-stream-processor/internal/observability"

	"github.com/google/uuid"
)

func main() {
	topic := flag.String("topic", "", "topic to publish to (default: first input topic)")
	count := flag.Int("count", 10, "number of records to publish")
	malformed := flag.Int("malformed", 0, "number of extra non-JSON records, useful to exercise the dead letter path")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		observability.GetLogger().WithError(err).Fatal("failed to load config")
	}
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.Component("producer")

	if *topic == "" {
		*topic = cfg.Kafka.InputTopics[0]
	}

	ctx := context.Background()
	client, err := kafka.Connect(ctx, cfg.Kafka)
	if err != nil {
		logger.WithError(err).Fatal("broker unreachable")
	}

	metrics := observability.NewInMemoryMetrics()
	kp := client.NewProducer(metrics)
	defer kp.Close()

	msgs := make([]kafka.Message, 0, *count+*malformed)
	for i := 0; i < *count; i++ {
		value, err := json.Marshal(sampleMetric(i))
		if err != nil {
			logger.WithError(err).Fatal("encode sample")
		}
		msgs = append(msgs, kafka.Message{
			Topic:   *topic,
			Key:     []byte(uuid.NewString()),
			Value:   value,
			Headers: map[string]string{"source": "producer"},
		})
	}
	for i := 0; i < *malformed; i++ {
		msgs = append(msgs, kafka.Message{
			Topic: *topic,
			Key:   []byte(uuid.NewString()),
			Value: []byte(fmt.Sprintf("not json %d", i)),
		})
	}

	res := kp.SendBatch(ctx, msgs)
	logger.WithField("topic", *topic).
		WithField("succeeded", res.Succeeded).
		WithField("failed", res.Failed).
		Info("sample records published")
}

func sampleMetric(i int) map[string]interface{} {
	return map[string]interface{}{
		"name":      "cpu_usage",
		"value":     rand.Float64() * 100,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"sequence":  i,
		"tags": map[string]interface{}{
			"host":   fmt.Sprintf("host-%02d", i%4),
			"region": "ap-southeast-1",
		},
	}
}
