package warehouse

import (
	"context"

	"github.com/smallbiznis/kpiledger/internal/config"
	"github.com/smallbiznis/kpiledger/internal/warehouse/archive"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("warehouse",
	fx.Provide(newStore),
	fx.Provide(NewWriter),
	fx.Provide(NewReader),
)

func newStore(cfg config.Config, log *zap.Logger) (archive.Store, error) {
	return archive.New(context.Background(), cfg, log.Named("warehouse.archive"))
}
