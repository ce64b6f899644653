package bootstrap

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/api/handler"
	"github.com/notifyhub/notification-pipeline/internal/broker"
	"github.com/notifyhub/notification-pipeline/internal/broker/memory"
	"github.com/notifyhub/notification-pipeline/internal/broker/rabbitmq"
	"github.com/notifyhub/notification-pipeline/internal/config"
	"github.com/notifyhub/notification-pipeline/internal/metrics"
)

var BrokerModule = fx.Module("broker",
	fx.Provide(
		NewBroker,
	),
)

// BrokerResult carries the receiver plus, for the in-process queue, the
// same queue as an inspector for the JSON metrics endpoint.
type BrokerResult struct {
	fx.Out

	Receiver  broker.Receiver
	Inspector handler.QueueInspector
}

// NewBroker builds the receiver selected by BROKER_DRIVER. The consumer owns
// it from here on and closes it on Stop.
func NewBroker(cfg config.Config, m *metrics.Metrics, logger *zap.Logger) BrokerResult {
	if cfg.Broker.Driver == config.BrokerMemory {
		q := memory.New(cfg.Broker.QueueCapacity, cfg.Broker.LockDuration)
		logger.Info("using in-process queue",
			zap.Int("capacity", cfg.Broker.QueueCapacity),
			zap.Duration("lock_duration", cfg.Broker.LockDuration),
		)
		return BrokerResult{Receiver: q, Inspector: q}
	}

	log := logger.Named("rabbitmq")
	r := rabbitmq.NewReceiver(cfg.Broker.AMQPURL, cfg.Broker.QueueName,
		rabbitmq.WithPrefetchCount(cfg.Consumer.MaxConcurrentCalls),
		rabbitmq.WithLogger(log),
		rabbitmq.WithErrorHandler(func(err error) {
			m.TransportErrors.Inc()
			log.Error("broker connection error", zap.Error(err))
		}),
	)
	return BrokerResult{Receiver: r}
}
