package config

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Override keys accepted by WithOverrides.
const (
	KeyInputTopics        = "input_topics"
	KeyGroupID            = "group_id"
	KeyOutputTopic        = "output_topic"
	KeyDeadLetterTopic    = "dead_letter_topic"
	KeyBatchSize          = "batch_size"
	KeyBatchTimeout       = "batch_timeout"
	KeyMaxConcurrentTasks = "max_concurrent_tasks"
	KeyQueueCapacity      = "queue_capacity"
	KeyRetryAttempts      = "retry_attempts"
	KeyRetryDelay         = "retry_delay"
	KeyFailFastPermanent  = "fail_fast_permanent"
	KeyProcessor          = "processor"
	KeyProcessorVersion   = "processor_version"
	KeyPublishResults     = "publish_results"
)

// WithOverrides returns a copy of c with the given per-pipeline settings
// applied. c itself is left untouched. Unknown keys are rejected.
func (c *Config) WithOverrides(overrides map[string]string) (*Config, error) {
	out := *c
	out.Kafka.Brokers = append([]string(nil), c.Kafka.Brokers...)
	out.Kafka.InputTopics = append([]string(nil), c.Kafka.InputTopics...)

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := overrides[key]
		var err error
		switch key {
		case KeyInputTopics:
			out.Kafka.InputTopics = parseList(value)
		case KeyGroupID:
			out.Kafka.GroupID = value
		case KeyOutputTopic:
			out.Kafka.OutputTopic = value
		case KeyDeadLetterTopic:
			out.Processing.DeadLetterTopic = value
		case KeyBatchSize:
			out.Processing.BatchSize, err = strconv.Atoi(value)
		case KeyBatchTimeout:
			out.Processing.BatchTimeout, err = time.ParseDuration(value)
		case KeyMaxConcurrentTasks:
			out.Processing.MaxConcurrentTasks, err = strconv.Atoi(value)
		case KeyQueueCapacity:
			out.Processing.QueueCapacity, err = strconv.Atoi(value)
		case KeyRetryAttempts:
			out.Processing.RetryAttempts, err = strconv.Atoi(value)
		case KeyRetryDelay:
			out.Processing.RetryDelay, err = time.ParseDuration(value)
		case KeyFailFastPermanent:
			out.Processing.FailFastPermanent, err = strconv.ParseBool(value)
		case KeyProcessor:
			out.Processing.Processor = value
		case KeyProcessorVersion:
			out.Processing.ProcessorVersion = value
		case KeyPublishResults:
			out.Processing.PublishResults, err = strconv.ParseBool(value)
		default:
			return nil, fmt.Errorf("unknown config key %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("config key %q: %w", key, err)
		}
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Snapshot flattens the pipeline-relevant settings for status reporting.
func (c *Config) Snapshot() map[string]string {
	return map[string]string{
		KeyInputTopics:        fmt.Sprint(c.Kafka.InputTopics),
		KeyGroupID:            c.Kafka.GroupID,
		KeyOutputTopic:        c.Kafka.OutputTopic,
		KeyDeadLetterTopic:    c.Processing.DeadLetterTopic,
		KeyBatchSize:          strconv.Itoa(c.Processing.BatchSize),
		KeyBatchTimeout:       c.Processing.BatchTimeout.String(),
		KeyMaxConcurrentTasks: strconv.Itoa(c.Processing.MaxConcurrentTasks),
		KeyQueueCapacity:      strconv.Itoa(c.Processing.QueueCapacity),
		KeyRetryAttempts:      strconv.Itoa(c.Processing.RetryAttempts),
		KeyRetryDelay:         c.Processing.RetryDelay.String(),
		KeyFailFastPermanent:  strconv.FormatBool(c.Processing.FailFastPermanent),
		KeyProcessor:          c.Processing.Processor,
		KeyProcessorVersion:   c.Processing.ProcessorVersion,
		KeyPublishResults:     strconv.FormatBool(c.Processing.PublishResults),
	}
}
