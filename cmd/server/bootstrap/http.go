package bootstrap

import (
	"context"
	"net"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/api"
	"github.com/notifyhub/notification-pipeline/internal/api/handler"
	"github.com/notifyhub/notification-pipeline/internal/config"
	"github.com/notifyhub/notification-pipeline/internal/metrics"
	"github.com/notifyhub/notification-pipeline/internal/service"
)

var HTTPModule = fx.Module("http",
	fx.Provide(
		NewHandler,
		NewHTTPServer,
	),
	fx.Invoke(func(*http.Server) {}),
)

func NewHandler(
	svc *service.NotificationService,
	q handler.QueueInspector,
	m *metrics.Metrics,
	reg *prometheus.Registry,
	logger *zap.Logger,
) http.Handler {
	return api.NewRouter(svc, q, m, reg, logger.Named("http"))
}

// NewHTTPServer binds the listener on start so a taken port fails startup
// instead of surfacing later from a goroutine.
func NewHTTPServer(lc fx.Lifecycle, cfg config.Config, h http.Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:         ":" + cfg.Server.HTTPPort,
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return errors.Wrapf(err, "listen on %s", srv.Addr)
			}
			logger.Info("server starting", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errors.Wrap(err, "shutdown http server")
			}
			logger.Info("server stopped")
			return nil
		},
	})
	return srv
}
