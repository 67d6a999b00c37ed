package normalizer

import "go.uber.org/fx"

var Module = fx.Module("normalizer",
	fx.Provide(OptionsFrom),
	fx.Provide(New),
)
