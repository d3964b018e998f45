package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/backtesting-org/realtime-reconnect/internal/config"
	"github.com/backtesting-org/realtime-reconnect/pkg/metrics"
	"github.com/backtesting-org/realtime-reconnect/pkg/netmon"
	"github.com/backtesting-org/realtime-reconnect/pkg/realtime"
	"github.com/backtesting-org/realtime-reconnect/pkg/reconnect"
)

// SubscriberService owns one realtime subscription and the reconnection
// manager that keeps it alive. Status events from the channel client flow
// into the manager; the manager's OnReconnect callback rebuilds the
// subscription through the client.
type SubscriberService struct {
	cfg     *config.Config
	logger  *zap.Logger
	client  *realtime.Client
	manager *reconnect.Manager
	monitor *netmon.ProbeMonitor
	stats   metrics.Metrics
}

// NewSubscriberService wires the channel client, network monitor, and
// reconnection manager together from application configuration.
func NewSubscriberService(cfg *config.Config, logger *zap.Logger) (*SubscriberService, error) {
	client, err := realtime.NewClient(realtime.Config{
		URL:    cfg.Realtime.URL,
		APIKey: cfg.Realtime.APIKey,
		Topic:  cfg.Realtime.Topic,
	}, logger.Named("realtime"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build realtime client: %w", err)
	}

	s := &SubscriberService{
		cfg:    cfg,
		logger: logger,
		client: client,
		stats:  metrics.NewMetrics(),
	}

	var monitor netmon.Monitor
	if cfg.Probe.Enabled {
		s.monitor = netmon.NewProbeMonitor(netmon.ProbeConfig{
			Target:   cfg.Probe.Target,
			Interval: time.Duration(cfg.Probe.IntervalMS) * time.Millisecond,
		}, logger.Named("netmon"))
		monitor = s.monitor
	}

	mgrCfg := reconnect.DefaultConfig()
	mgrCfg.MaxAttempts = cfg.Reconnect.MaxAttempts
	mgrCfg.InitialDelay = time.Duration(cfg.Reconnect.InitialDelayMS) * time.Millisecond
	mgrCfg.MaxDelay = time.Duration(cfg.Reconnect.MaxDelayMS) * time.Millisecond
	mgrCfg.BackoffMultiplier = cfg.Reconnect.BackoffMultiplier
	mgrCfg.DisableHeartbeat = !cfg.Reconnect.EnableHeartbeat
	mgrCfg.HeartbeatInterval = time.Duration(cfg.Reconnect.HeartbeatIntervalMS) * time.Millisecond
	mgrCfg.Monitor = monitor
	mgrCfg.Metrics = s.stats
	mgrCfg.Logger = logger.Named("reconnect")
	mgrCfg.OnReconnect = s.rebuildSubscription
	mgrCfg.OnDisconnect = func() {
		logger.Warn("subscription lost", zap.String("topic", cfg.Realtime.Topic))
	}
	mgrCfg.OnReconnecting = func(attempt int) {
		logger.Info("rebuilding subscription", zap.Int("attempt", attempt))
	}

	manager, err := reconnect.NewManager(mgrCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build reconnection manager: %w", err)
	}
	s.manager = manager

	client.SetHandlers(manager.HandleStatusChange, s.handleMessage)

	return s, nil
}

// Start connects the subscription. A failed initial dial is not fatal: the
// client reports it as a status event and the manager retries.
func (s *SubscriberService) Start(ctx context.Context) error {
	if s.monitor != nil {
		s.monitor.Start()
	}

	if err := s.client.Connect(ctx); err != nil {
		s.logger.Warn("initial connect failed, reconnection manager will retry", zap.Error(err))
	}
	return nil
}

// Stop disposes the manager first so the teardown is not mistaken for a
// failure, then closes the client and halts probing.
func (s *SubscriberService) Stop(ctx context.Context) error {
	s.manager.Dispose()

	err := s.client.Close()

	if s.monitor != nil {
		s.monitor.Stop()
	}
	return err
}

// Stats returns a snapshot of connection state and counters.
func (s *SubscriberService) Stats() map[string]interface{} {
	return s.manager.Stats()
}

// rebuildSubscription is the manager's OnReconnect callback. It runs in its
// own goroutine because the manager does not await the result; the rejoin
// outcome comes back through the client's status handler.
func (s *SubscriberService) rebuildSubscription() {
	go func() {
		if err := s.client.Rejoin(context.Background()); err != nil {
			s.logger.Debug("rejoin attempt failed", zap.Error(err))
		}
	}()
}

func (s *SubscriberService) handleMessage(msg realtime.Message) {
	s.logger.Debug("message received",
		zap.String("topic", msg.Topic),
		zap.String("event", msg.Event),
		zap.Int("bytes", len(msg.Payload)))
}
