package partition

import (
	"context"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/kpiledger/internal/config"
	"github.com/smallbiznis/kpiledger/internal/partition/lock"
	"github.com/smallbiznis/kpiledger/internal/partition/service"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("partition.ledger",
	fx.Provide(NewLocker),
	fx.Provide(service.New),
)

// NewLocker returns an in-process locker, upgraded to session advisory locks
// on PostgreSQL or to Redis leases when REDIS_ADDR is set on other dialects.
func NewLocker(lc fx.Lifecycle, db *gorm.DB, cfg config.Config) (lock.Locker, error) {
	local := lock.NewKeyedLocker()
	if db.Dialector.Name() == "postgres" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		return lock.NewAdvisoryLocker(local, sqlDB), nil
	}

	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return local, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return client.Close() },
	})
	// a lease outlives the longest commit it guards
	ttl := 2 * cfg.Pipeline.CommitTimeout
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return lock.NewRedisLocker(local, client, cfg.Redis.KeyPrefix, ttl), nil
}
