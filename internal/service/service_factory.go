package service

import (
	"go.uber.org/zap"

	"threat-monitor/internal/alert"
	"threat-monitor/internal/config"
	"threat-monitor/internal/repository/clickhouse"
	redisrepo "threat-monitor/internal/repository/redis"
	"threat-monitor/internal/repository/scylla"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	events     clickhouse.EventStore
	blocks     scylla.BlockRepository
	scores     scylla.ScoreRepository
	thresholds scylla.ThresholdRepository
	sweeps     scylla.SweepRepository
	blockCache redisrepo.BlockStatusCache
	sink       alert.Sink
	cfg        *config.Config
	logger     *zap.Logger

	monitorService *MonitorService
}

func NewServiceFactory(
	events clickhouse.EventStore,
	blocks scylla.BlockRepository,
	scores scylla.ScoreRepository,
	thresholds scylla.ThresholdRepository,
	sweeps scylla.SweepRepository,
	blockCache redisrepo.BlockStatusCache,
	sink alert.Sink,
	cfg *config.Config,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		events:     events,
		blocks:     blocks,
		scores:     scores,
		thresholds: thresholds,
		sweeps:     sweeps,
		blockCache: blockCache,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
	}
}

// MonitorService returns the monitor facade instance (singleton)
func (f *ServiceFactory) MonitorService() *MonitorService {
	if f.monitorService == nil {
		evaluator := NewThresholdEvaluator(
			f.events,
			f.thresholds,
			f.cfg.Monitoring.AlertThresholdDefault,
			f.cfg.Monitoring.WindowSeconds,
		)
		sweeper := NewSweeper(
			f.events,
			f.blocks,
			f.scores,
			f.sweeps,
			f.blockCache,
			f.cfg.Monitoring,
		)
		f.monitorService = NewMonitorService(
			f.events,
			f.blocks,
			f.scores,
			f.blockCache,
			evaluator,
			sweeper,
			f.sink,
			f.cfg.Monitoring,
			f.logger,
		)
	}
	return f.monitorService
}

// ThresholdRepository exposes the threshold rows to the admin surface.
func (f *ServiceFactory) ThresholdRepository() scylla.ThresholdRepository {
	return f.thresholds
}
