package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"threat-monitor/internal/alert"
	"threat-monitor/internal/bucketing"
	"threat-monitor/internal/client"
	"threat-monitor/internal/config"
	"threat-monitor/internal/repository/clickhouse"
	redisrepo "threat-monitor/internal/repository/redis"
	"threat-monitor/internal/repository/scylla"
	"threat-monitor/internal/service"
	"threat-monitor/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers and repositories
	bucketingManager *bucketing.BucketingManager
	eventStore       *clickhouse.SecurityEventStore
	serviceFactory   *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	logger := util.Get()

	f := &Factory{config: cfg}

	var err error
	if f.redisClient, err = client.NewRedisClient(cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize Redis client: %w", err)
	}
	if f.scyllaClient, err = scylla.NewScyllaClient(cfg, logger); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize Scylla client: %w", err)
	}
	if f.clickhouseClient, err = client.NewClickHouseClient(cfg, logger); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize ClickHouse client: %w", err)
	}
	if f.kafkaProducer, err = client.NewKafkaProducer(cfg, logger); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize Kafka producer: %w", err)
	}

	// Elasticsearch is optional; alerts are still delivered to Kafka and the
	// log when it is not configured
	if cfg.Elastic.URL != "" {
		if f.esClient, err = client.NewElasticsearchClient(cfg, logger); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to initialize Elasticsearch client: %w", err)
		}
	}

	f.bucketingManager = bucketing.NewBucketingManager(cfg)
	f.eventStore = clickhouse.NewSecurityEventStore(f.clickhouseClient, f.bucketingManager, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := f.eventStore.EnsureSchema(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to ensure ClickHouse schema: %w", err)
	}
	if err := f.scyllaClient.EnsureSchema(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to ensure Scylla schema: %w", err)
	}

	blockRepo := scylla.NewBlockRepository(f.scyllaClient, logger)
	scoreRepo := scylla.NewScoreRepository(f.scyllaClient, logger)
	thresholdRepo := scylla.NewThresholdRepository(f.scyllaClient, logger)
	sweepRepo := scylla.NewSweepRepository(f.scyllaClient, logger)
	blockCache := redisrepo.NewBlockStatusCache(f.redisClient, cfg.Monitoring.BlockCacheTTL)

	sinks := []alert.Sink{
		alert.NewKafkaSink(f.kafkaProducer, cfg.Kafka.AlertTopic),
		alert.NewLogSink(logger),
	}
	if f.esClient != nil {
		sinks = append(sinks, alert.NewESSink(f.esClient, cfg.Elastic.AlertIndex, f.bucketingManager))
	}

	f.serviceFactory = service.NewServiceFactory(
		f.eventStore,
		blockRepo,
		scoreRepo,
		thresholdRepo,
		sweepRepo,
		blockCache,
		alert.NewMultiSink(sinks...),
		cfg,
		logger,
	)

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("elasticsearch_enabled", f.esClient != nil))

	return f, nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

// Close shuts down all clients, once.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		if f.kafkaProducer != nil {
			_ = f.kafkaProducer.Close()
		}
		if f.esClient != nil {
			f.esClient.Close()
		}
		if f.clickhouseClient != nil {
			_ = f.clickhouseClient.Close()
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.redisClient != nil {
			_ = f.redisClient.Close()
		}
		util.Sync()
	})
}
