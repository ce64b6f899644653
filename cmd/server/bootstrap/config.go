package bootstrap

import (
	"go.uber.org/fx"

	"github.com/notifyhub/notification-pipeline/internal/config"
)

var ConfigModule = fx.Module("config",
	fx.Provide(
		config.Load,
	),
)
