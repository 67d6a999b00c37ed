package kpi

import (
	"github.com/smallbiznis/kpiledger/internal/kpi/frameengine"
	"github.com/smallbiznis/kpiledger/internal/kpi/service"
	"github.com/smallbiznis/kpiledger/internal/kpi/sqlengine"
	"go.uber.org/fx"
)

var Module = fx.Module("kpi",
	fx.Provide(sqlengine.New),
	fx.Provide(frameengine.New),
	fx.Provide(service.New),
)
