package infrastructure

import (
	"context"
	"time"

	"github.com/backtesting-org/realtime-reconnect/internal/services"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// RegisterLifecycle sets up application startup and shutdown hooks
func RegisterLifecycle(
	lc fx.Lifecycle,
	subscriber *services.SubscriberService,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting realtime subscriber")
			return subscriber.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down realtime subscriber...")

			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			if err := subscriber.Stop(shutdownCtx); err != nil {
				logger.Error("Subscriber forced to shutdown", zap.Error(err))
			}

			logger.Info("Subscriber stopped")
			return nil
		},
	})
}
