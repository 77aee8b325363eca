package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"sitewatch/common/database"
	"sitewatch/common/mqtt"
	commonredis "sitewatch/common/redis"
	"sitewatch/internal/cache"
	"sitewatch/internal/config"
	"sitewatch/internal/link"
	"sitewatch/internal/metrics"
	"sitewatch/internal/models"
	"sitewatch/internal/notifier"
	"sitewatch/internal/pinconfig"
	"sitewatch/internal/reconciler"
	"sitewatch/internal/repository"
	"sitewatch/internal/supervisor"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// IOBoxService I/O box monitoring service (wires all layers)
type IOBoxService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	kafkaWriter *kafka.Writer
	metricsSrv  *http.Server
	logger      *zap.Logger

	configSource repository.ConfigSource
	memory       *repository.MemoryStore // memory backend only
	stateCache   *cache.DeviceStateCache
	metrics      *metrics.Metrics
	pins         *pinconfig.Table
	processor    *reconciler.Processor
	notifier     *notifier.Notifier
	supervisor   *supervisor.Supervisor
}

type alarmBackend interface {
	reconciler.AlarmStore
	reconciler.StatusWriter
	supervisor.StateWriter
}

// postgresBackend alarm and status repositories sharing one pool
type postgresBackend struct {
	*repository.AlarmRepository
	*repository.StatusRepository
}

// NewIOBoxService connects the backends and builds the component graph.
// Redis and MQTT are optional: when unreachable the service runs without
// the state cache and the matching event sinks.
func NewIOBoxService(cfg *config.Config, logger *zap.Logger) (*IOBoxService, error) {
	s := &IOBoxService{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	// 1. storage
	var backend alarmBackend
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		s.memory = repository.NewMemoryStore()
		s.configSource = repository.NewFileConfigSource(cfg.Store.ConfigFile)
		backend = s.memory
	default:
		db, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		s.db = db
		s.configSource = repository.NewSiteConfigRepository(db, logger)
		backend = postgresBackend{
			AlarmRepository:  repository.NewAlarmRepository(db, logger),
			StatusRepository: repository.NewStatusRepository(db, logger),
		}
	}
	writers := []supervisor.StateWriter{backend}

	// 2. redis
	redisClient := commonredis.NewRedisClient(&cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := commonredis.Ping(ctx, redisClient)
	cancel()
	if err != nil {
		logger.Warn("Redis unavailable, running without state cache and event stream",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err),
		)
		commonredis.Close(redisClient)
	} else {
		s.redisClient = redisClient
		if cfg.Cache.Enabled {
			s.stateCache = cache.NewDeviceStateCache(cfg, redisClient, logger)
			writers = append(writers, s.stateCache)
		}
	}

	// 3. event sinks
	sinks := []notifier.Sink{notifier.NewLogSink(logger)}
	if s.redisClient != nil && cfg.Events.Stream != "" {
		sinks = append(sinks, notifier.NewRedisStreamSink(s.redisClient, cfg.Events.Stream, cfg.Events.StreamMaxLen))
	}
	if cfg.Events.MQTTEnabled {
		mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			logger.Warn("MQTT unavailable, events will not be published to the broker",
				zap.String("broker", cfg.MQTT.Broker),
				zap.Error(err),
			)
		} else {
			s.mqttClient = mqttClient
			sinks = append(sinks, notifier.NewMQTTSink(mqttClient, cfg.Events.TopicPrefix, mqttClient.QoS()))
		}
	}
	if len(cfg.Events.KafkaBrokers) > 0 {
		s.kafkaWriter = notifier.NewKafkaWriter(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		sinks = append(sinks, notifier.NewKafkaSink(s.kafkaWriter))
	}
	s.notifier = notifier.NewNotifier(notifier.Options{QueueSize: cfg.Events.QueueSize, Metrics: s.metrics}, logger, sinks...)

	// 4. reconciliation
	s.pins = pinconfig.NewTable(nil, logger)
	s.processor = reconciler.NewProcessor(s.pins, backend, backend, s.notifier, logger)

	// 5. links
	io := cfg.IOBox
	s.supervisor = supervisor.New(
		supervisor.Options{
			Link: link.Options{
				ReconnectInterval:        io.ReconnectInterval,
				MaxReconnectAttempts:     io.MaxReconnectAttempts,
				UnreachableBackoffFactor: io.UnreachableBackoffFactor,
				DialTimeout:              io.DialTimeout,
				HealthCheckInterval:      io.HealthCheckInterval,
				IdleTimeout:              io.IdleTimeout,
			},
			DispatchQueueSize:     io.DispatchQueueSize,
			ReconcileRetryBase:    io.ReconcileRetryBase,
			ReconcileRetryMax:     io.ReconcileRetryMax,
			ReconcileMaxRetries:   io.ReconcileMaxRetries,
			ReconcileTimeout:      io.ReconcileTimeout,
			ConfigRefreshInterval: io.ConfigRefreshInterval,
			StateRefreshInterval:  io.StateRefreshInterval,
			Metrics:               s.metrics,
		},
		s.processor,
		s.notifier,
		s.configSource,
		s.pins,
		logger,
		writers...,
	)

	return s, nil
}

// Start loads the configuration and opens the device links. A configuration
// that cannot be loaded is logged and the service starts with no links; the
// periodic refresh picks it up later.
func (s *IOBoxService) Start(ctx context.Context) error {
	s.logger.Info("Starting iobox service",
		zap.String("store_backend", s.config.Store.Backend),
	)

	if s.config.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsSrv = &http.Server{
			Addr:              s.config.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Metrics listener failed", zap.String("addr", s.config.Metrics.Addr), zap.Error(err))
			}
		}()
	}

	// delivery outlives ctx so Stop can flush queued events
	s.notifier.Start(context.Background())

	pins, err := s.configSource.GetPinConfigs(ctx)
	if err != nil {
		s.logger.Error("Failed to load pin configuration", zap.Error(err))
	} else {
		kept := s.pins.Replace(pins)
		s.logger.Info("Pin configuration loaded", zap.Int("pins", kept), zap.Int("rows", len(pins)))
	}
	devices, err := s.configSource.GetDevicesForAllSites(ctx)
	if err != nil {
		s.logger.Error("Failed to load devices, starting without links", zap.Error(err))
		devices = nil
	}

	if err := s.supervisor.Start(ctx, devices); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}
	return nil
}

// Stop closes every link, waits for in-flight reconciliation, flushes
// queued events and closes the backends.
func (s *IOBoxService) Stop() error {
	s.logger.Info("Stopping iobox service")

	s.supervisor.Stop()
	s.notifier.Stop()

	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.logger.Error("Failed to stop metrics listener", zap.Error(err))
		}
		cancel()
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.kafkaWriter != nil {
		if err := s.kafkaWriter.Close(); err != nil {
			s.logger.Error("Failed to close kafka writer", zap.Error(err))
		}
	}
	if err := commonredis.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
	}
	return nil
}

// Acknowledge marks the open alarm of a pin as acknowledged
func (s *IOBoxService) Acknowledge(ctx context.Context, key models.DeviceKey, pin int, by string) (*models.Alarm, error) {
	key.SiteID = s.supervisor.CanonicalSiteID(key.SiteID)
	return s.processor.Acknowledge(ctx, key, pin, by)
}

// DeviceStatuses link state of every supervised device
func (s *IOBoxService) DeviceStatuses() []models.DeviceStatus {
	return s.supervisor.Statuses()
}
