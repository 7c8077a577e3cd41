package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"go-stream-processor/internal/config"
	"go-stream-processor/internal/kafka"
	"go-stream-processor/internal/observability"
	"go-stream-processor/pkg/models"
)

// consumer follows the output or dead letter topic and prints every record,
// committing as it goes.
func main() {
	groupID := flag.String("group", "stream-processor-tail", "consumer group id")
	dlq := flag.Bool("dlq", false, "follow the dead letter topic instead of the output topic")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		observability.GetLogger().WithError(err).Fatal("failed to load config")
	}
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.Component("consumer")

	topic := cfg.Kafka.OutputTopic
	if *dlq {
		topic = cfg.Processing.DeadLetterTopic
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := kafka.Connect(ctx, cfg.Kafka)
	if err != nil {
		logger.WithError(err).Fatal("broker unreachable")
	}

	src, err := client.Subscribe(*groupID, []string{topic})
	if err != nil {
		logger.WithError(err).Fatal("subscribe failed")
	}
	defer src.Close()

	logger.WithField("topic", topic).WithField("group_id", *groupID).Info("following topic")

	for res := range src.Poll(ctx) {
		if res.Err != nil {
			logger.WithError(res.Err).Warn("poll failed")
			continue
		}
		printRecord(res.Record)
		if err := src.Commit(ctx, res.Record); err != nil {
			logger.WithError(err).Warn("commit failed")
		}
	}
}

func printRecord(rec *models.Record) {
	fmt.Printf("%s[%d]@%d key=%s\n", rec.Topic, rec.Partition, rec.Offset, rec.Key)

	keys := make([]string, 0, len(rec.Headers))
	for k := range rec.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %s\n", k, rec.Headers[k])
	}

	var out bytes.Buffer
	if err := json.Indent(&out, rec.Payload, "  ", "  "); err != nil {
		fmt.Printf("  %s\n", rec.Payload)
		return
	}
	fmt.Printf("  %s\n", out.String())
}
