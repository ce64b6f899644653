package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/cmd/server/bootstrap"
)

// stopTimeout caps the whole shutdown sequence. Each hook is bounded
// tighter by SHUTDOWN_TIMEOUT.
const stopTimeout = 2 * time.Minute

func main() {
	app := fx.New(
		bootstrap.Module,
		fx.WithLogger(bootstrap.EventLogger),
		fx.StopTimeout(stopTimeout),
	)

	if err := app.Start(context.Background()); err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Error("application failed to start", zap.Error(err))
		os.Exit(1)
	}

	sig := <-app.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Error("application stopped with errors", zap.Error(err))
		os.Exit(1)
	}
	os.Exit(sig.ExitCode)
}
