package bootstrap

import "go.uber.org/fx"

// Module wires the whole process. Stop hooks run in reverse append order,
// so the HTTP server stops first, then the consumer drains, then the store closes.
var Module = fx.Options(
	ConfigModule,
	LoggerModule,
	MetricsModule,
	StoreModule,
	BrokerModule,
	ConsumerModule,
	HTTPModule,
)
