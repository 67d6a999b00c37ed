package report

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("report",
	fx.Provide(NewPublisher),
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, r *Reporter) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return r.Close()
		},
	})
}
