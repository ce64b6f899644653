package bootstrap

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/broker"
	"github.com/notifyhub/notification-pipeline/internal/config"
	"github.com/notifyhub/notification-pipeline/internal/metrics"
	"github.com/notifyhub/notification-pipeline/internal/ratelimiter"
	"github.com/notifyhub/notification-pipeline/internal/service"
	"github.com/notifyhub/notification-pipeline/internal/worker"
)

var ConsumerModule = fx.Module("consumer",
	fx.Provide(
		NewDispatcher,
		fx.Annotate(NewConsumer, fx.As(new(worker.Processor))),
	),
	fx.Invoke(registerProcessor),
)

func NewDispatcher(cfg config.Config, svc *service.NotificationService, logger *zap.Logger) *worker.Dispatcher {
	return worker.NewDispatcher(svc, cfg.Consumer.MaxDeliveryCount, logger.Named("dispatcher"))
}

func NewConsumer(
	cfg config.Config,
	receiver broker.Receiver,
	dispatcher *worker.Dispatcher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *worker.Consumer {
	onSettled, onInflight, onLockRenewal := m.ConsumerHooks()
	log := logger.Named("consumer")

	return worker.NewConsumer(receiver, dispatcher,
		worker.Options{
			MaxConcurrentCalls: cfg.Consumer.MaxConcurrentCalls,
			MaxAutoLockRenewal: cfg.Consumer.MaxAutoLockRenewal,
			Limiter:            ratelimiter.New(cfg.Consumer.ReceiveRateLimit),
			ErrorHandler: func(err error) {
				m.TransportErrors.Inc()
				log.Error("receive failed", zap.Error(err))
			},
		},
		worker.MetricHooks{
			OnSettled:     onSettled,
			OnInflight:    onInflight,
			OnLockRenewal: onLockRenewal,
		},
		log,
	)
}

// registerProcessor ties the processor to the application lifecycle. Only
// the Processor capability is used here.
func registerProcessor(lc fx.Lifecycle, p worker.Processor, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: p.Start,
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			return p.Stop(stopCtx)
		},
	})
}
