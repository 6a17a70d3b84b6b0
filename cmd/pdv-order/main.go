// Command pdv-order is an operator console for one order session.
package main

import (
	"context"

	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	appkg "github.com/xenking/pdv-movel/internal/app"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := appkg.LoadOrderConfig()
		if err != nil {
			return err
		}
		return appkg.RunOrder(ctx, lg, m, cfg)
	})
}
