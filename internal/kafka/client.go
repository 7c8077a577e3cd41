package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-stream-processor/internal/apperr"
	"go-stream-processor/internal/config"
	"go-stream-processor/internal/observability"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Client holds the broker settings shared by consumers and producers of
// one process.
type Client struct {
	cfg    config.KafkaConfig
	admin  *kafka.Client
	logger *logrus.Entry
}

// Connect dials the configured brokers and fails fast when none answer.
func Connect(ctx context.Context, cfg config.KafkaConfig) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, &apperr.ConnectivityError{Target: "kafka", Err: errors.New("no brokers configured")}
	}

	c := &Client{
		cfg: cfg,
		admin: &kafka.Client{
			Addr:    kafka.TCP(cfg.Brokers...),
			Timeout: 10 * time.Second,
		},
		logger: observability.Component("kafka"),
	}

	if err := c.HealthCheck(ctx); err != nil {
		return nil, &apperr.ConnectivityError{Target: "kafka", Err: err}
	}
	c.logger.WithField("brokers", cfg.Brokers).Info("connected to kafka")
	return c, nil
}

// HealthCheck verifies that at least one broker answers a metadata request.
func (c *Client) HealthCheck(ctx context.Context) error {
	var lastErr error
	for _, broker := range c.cfg.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = fmt.Errorf("failed to connect to broker %s: %w", broker, err)
			continue
		}
		_, err = conn.ReadPartitions()
		conn.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read partitions from %s: %w", broker, err)
			continue
		}
		return nil
	}
	return lastErr
}

// CreateTopics makes sure the given topics exist. Topics that already exist
// are not an error.
func (c *Client) CreateTopics(ctx context.Context, partitions, replication int, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	req := &kafka.CreateTopicsRequest{Topics: make([]kafka.TopicConfig, 0, len(topics))}
	for _, t := range topics {
		req.Topics = append(req.Topics, kafka.TopicConfig{
			Topic:             t,
			NumPartitions:     partitions,
			ReplicationFactor: replication,
		})
	}

	resp, err := c.admin.CreateTopics(ctx, req)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for topic, topicErr := range resp.Errors {
		if topicErr == nil || errors.Is(topicErr, kafka.TopicAlreadyExists) {
			continue
		}
		return fmt.Errorf("create topic %s: %w", topic, topicErr)
	}
	c.logger.WithField("topics", topics).Info("topics ensured")
	return nil
}

// Subscribe joins groupID for topics and returns a source positioned at the
// group's committed offsets.
func (c *Client) Subscribe(groupID string, topics []string) (*GroupSource, error) {
	return newGroupSource(c, groupID, topics)
}

// NewProducer returns a producer bound to the same brokers.
func (c *Client) NewProducer(metrics observability.Sink) *Producer {
	return NewProducer(ProducerConfig{
		Brokers: c.cfg.Brokers,
		Acks:    int(kafka.RequireAll),
		Metrics: metrics,
	})
}

func (c *Client) Brokers() []string {
	return c.cfg.Brokers
}
