package bootstrap

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/config"
	"github.com/notifyhub/notification-pipeline/internal/db"
	"github.com/notifyhub/notification-pipeline/internal/repository"
	"github.com/notifyhub/notification-pipeline/internal/service"
)

var StoreModule = fx.Module("store",
	fx.Provide(
		NewStore,
		service.NewNotificationService,
	),
)

// NewStore opens and migrates the backend selected by STORE_DRIVER. The
// connection pool is closed by a stop hook.
func NewStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (repository.ScopeFactory, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		pool, err := db.Connect(context.Background(), cfg.Store)
		if err != nil {
			return nil, errors.Wrap(err, "connect postgres")
		}
		if err := db.MigratePostgres(cfg.Store.DatabaseURL); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "migrate postgres")
		}
		lc.Append(fx.StopHook(pool.Close))
		logger.Info("postgres store ready", zap.Int32("max_conns", cfg.Store.DBMaxConns))
		return repository.NewPostgresStore(pool), nil

	case config.StoreSQLite:
		sqlDB, err := db.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := db.MigrateSQLite(sqlDB); err != nil {
			_ = sqlDB.Close()
			return nil, errors.Wrap(err, "migrate sqlite")
		}
		lc.Append(fx.StopHook(sqlDB.Close))
		logger.Info("sqlite store ready", zap.String("path", cfg.Store.SQLitePath))
		return repository.NewSQLiteStore(sqlDB), nil

	case config.StoreMemory:
		logger.Warn("using in-memory store, records are lost on restart")
		return repository.NewMemoryStore(), nil
	}
	return nil, errors.Newf("unknown store driver %q", cfg.Store.Driver)
}
