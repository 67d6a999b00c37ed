package quality

import (
	"github.com/smallbiznis/kpiledger/internal/quality/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quality.gate",
	fx.Provide(service.New),
)
