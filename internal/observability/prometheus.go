package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports the Sink counters through its own registry.
type PrometheusSink struct {
	reg *prometheus.Registry

	received      prometheus.Counter
	processed     prometheus.Counter
	failed        prometheus.Counter
	retried       prometheus.Counter
	deadLettered  prometheus.Counter
	published     prometheus.Counter
	publishFailed prometheus.Counter
	persisted     prometheus.Counter
	batchSize     prometheus.Histogram
	batchDuration prometheus.Histogram
	consumerLag   *prometheus.GaugeVec
	dbOps         *prometheus.CounterVec
	dbErrors      *prometheus.CounterVec
	dbPoolOpen    prometheus.Gauge
	dbPoolIdle    prometheus.Gauge
	memoryBytes   prometheus.Gauge
	goroutines    prometheus.Gauge
	activeTasks   prometheus.Gauge
}

// NewPrometheusSink registers every collector under namespace.
func NewPrometheusSink(namespace string) *PrometheusSink {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	p := &PrometheusSink{
		reg:           prometheus.NewRegistry(),
		received:      counter("messages_received_total", "Records read from the broker."),
		processed:     counter("messages_processed_total", "Records transformed successfully."),
		failed:        counter("messages_failed_total", "Record processing attempts that failed."),
		retried:       counter("messages_retried_total", "Record processing retries."),
		deadLettered:  counter("messages_dead_lettered_total", "Records routed to the dead-letter topic."),
		published:     counter("messages_published_total", "Records published to the broker."),
		publishFailed: counter("messages_publish_failed_total", "Failed broker publishes."),
		persisted:     counter("messages_persisted_total", "Processed messages written to storage."),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Records per flushed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_seconds",
			Help:      "Time spent processing and persisting one batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		consumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_lag",
			Help:      "High watermark minus committed offset.",
		}, []string{"topic", "partition"}),
		dbOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_operations_total",
			Help:      "Storage operations by kind.",
		}, []string{"operation"}),
		dbErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_errors_total",
			Help:      "Failed storage operations by kind.",
		}, []string{"operation"}),
		dbPoolOpen:  gauge("db_pool_open_connections", "Open storage connections."),
		dbPoolIdle:  gauge("db_pool_idle_connections", "Idle storage connections."),
		memoryBytes: gauge("memory_usage_bytes", "Heap bytes in use."),
		goroutines:  gauge("goroutines", "Live goroutines."),
		activeTasks: gauge("active_tasks", "Batches currently being processed."),
	}

	p.reg.MustRegister(
		p.received, p.processed, p.failed, p.retried, p.deadLettered,
		p.published, p.publishFailed, p.persisted,
		p.batchSize, p.batchDuration, p.consumerLag,
		p.dbOps, p.dbErrors, p.dbPoolOpen, p.dbPoolIdle,
		p.memoryBytes, p.goroutines, p.activeTasks,
	)
	return p
}

// Gatherer exposes the registry to the HTTP endpoint.
func (p *PrometheusSink) Gatherer() prometheus.Gatherer {
	return p.reg
}

func (p *PrometheusSink) IncReceived()       { p.received.Inc() }
func (p *PrometheusSink) IncProcessed()      { p.processed.Inc() }
func (p *PrometheusSink) IncFailed()         { p.failed.Inc() }
func (p *PrometheusSink) IncRetried()        { p.retried.Inc() }
func (p *PrometheusSink) IncSentToDLQ()      { p.deadLettered.Inc() }
func (p *PrometheusSink) IncPublished()      { p.published.Inc() }
func (p *PrometheusSink) IncPublishFailed()  { p.publishFailed.Inc() }
func (p *PrometheusSink) AddPersisted(n int) { p.persisted.Add(float64(n)) }

func (p *PrometheusSink) ObserveBatch(size int, took time.Duration) {
	p.batchSize.Observe(float64(size))
	p.batchDuration.Observe(took.Seconds())
}

func (p *PrometheusSink) SetConsumerLag(topic string, partition int, lag int64) {
	p.consumerLag.WithLabelValues(topic, strconv.Itoa(partition)).Set(float64(lag))
}

// DeleteConsumerLag drops the gauge of a partition that is no longer
// assigned.
func (p *PrometheusSink) DeleteConsumerLag(topic string, partition int) {
	p.consumerLag.DeleteLabelValues(topic, strconv.Itoa(partition))
}

func (p *PrometheusSink) IncDBOperation(op string, failed bool) {
	p.dbOps.WithLabelValues(op).Inc()
	if failed {
		p.dbErrors.WithLabelValues(op).Inc()
	}
}

func (p *PrometheusSink) SetDBPool(open, idle int) {
	p.dbPoolOpen.Set(float64(open))
	p.dbPoolIdle.Set(float64(idle))
}

func (p *PrometheusSink) SetMemoryUsage(bytes uint64) { p.memoryBytes.Set(float64(bytes)) }
func (p *PrometheusSink) SetGoroutines(n int)         { p.goroutines.Set(float64(n)) }
func (p *PrometheusSink) AddActiveTasks(delta int)    { p.activeTasks.Add(float64(delta)) }
