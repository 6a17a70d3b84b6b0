// Command offline-proxy serves the tablet app through a versioned response
// cache so that previously loaded pages keep working without the backend.
package main

import (
	"context"

	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	appkg "github.com/xenking/pdv-movel/internal/app"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := appkg.LoadProxyConfig()
		if err != nil {
			return err
		}
		return appkg.RunProxy(ctx, lg, m, cfg)
	})
}
