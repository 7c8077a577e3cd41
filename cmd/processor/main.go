package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go-stream-processor/internal/config"
	"go-stream-processor/internal/kafka"
	"go-stream-processor/internal/observability"
	"go-stream-processor/internal/pipeline"
	"go-stream-processor/internal/rpc"
	"go-stream-processor/internal/storage"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

func main() {
	autostart := flag.String("autostart", "", "comma separated pipeline ids to start on boot")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		observability.GetLogger().WithError(err).Fatal("failed to load config")
	}
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	broker, err := kafka.Connect(connectCtx, cfg.Kafka)
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("broker unreachable")
	}

	if cfg.Kafka.CreateTopics {
		if err := broker.CreateTopics(ctx, 3, 1, topicsToEnsure(cfg)...); err != nil {
			logger.WithError(err).Warn("could not ensure topics")
		}
	}

	prom := observability.NewPrometheusSink("stream_processor")
	var sink observability.Sink = prom

	store, err := storage.Open(ctx, cfg.Database, sink)
	if err != nil {
		logger.WithError(err).Fatal("database unreachable")
	}
	defer store.Close()

	if cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			logger.WithError(err).Fatal("schema bootstrap failed")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	clk := clock.New()

	if cfg.Database.PersistLogs {
		hook := storage.NewLogHook(store, "stream-processor", 256)
		observability.AddHook(hook)
		g.Go(func() error {
			hook.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		observability.RunRefresher(gctx, clk, observability.SystemRefreshInterval, func() { observability.RefreshSystem(sink) })
		return nil
	})
	g.Go(func() error {
		observability.RunRefresher(gctx, clk, observability.PoolRefreshInterval, func() { store.RefreshPool(sink) })
		return nil
	})

	if cfg.Metrics.Enabled {
		metricsSrv := observability.NewMetricsServer(cfg.Metrics.Address, cfg.Metrics.Path, prom.Gatherer())
		g.Go(func() error {
			return metricsSrv.ListenAndServe(gctx)
		})
	}

	producer := broker.NewProducer(sink)
	defer producer.Close()

	ctrl := pipeline.NewController(cfg, pipeline.Deps{
		Sources: func(groupID string, topics []string) (kafka.Source, error) {
			src, err := broker.Subscribe(groupID, topics)
			if err != nil {
				return nil, err
			}
			return src, nil
		},
		Producer: producer,
		Store:    store,
		Metrics:  sink,
		Clock:    clk,
	})

	for _, id := range strings.Split(*autostart, ",") {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		jobID, err := ctrl.Start(ctx, id, nil)
		if err != nil {
			logger.WithError(err).WithField("pipeline_id", id).Error("autostart failed")
			continue
		}
		logger.WithField("job_id", jobID).WithField("pipeline_id", id).Info("pipeline autostarted")
	}

	server := rpc.NewServer(ctrl, cfg.RPC.StopTimeout)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.RPC.Address)
	})

	logger.WithField("rpc", cfg.RPC.Address).Info("stream processor started")

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("service stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RPC.StopTimeout)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("pipelines did not stop cleanly")
	}
	logger.Info("stream processor stopped")
}

func topicsToEnsure(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range append([]string{cfg.Kafka.OutputTopic, cfg.Kafka.ErrorTopic, cfg.Processing.DeadLetterTopic}, cfg.Kafka.InputTopics...) {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
