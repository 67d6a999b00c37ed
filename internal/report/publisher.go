package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/kpiledger/internal/config"
	"go.uber.org/zap"
)

const keyPublishedKPI = "%s:kpi:%s"

// Publisher pushes accepted KPI payloads to downstream readers.
type Publisher interface {
	Publish(ctx context.Context, pub Published) error
	Close() error
}

// Published announces one accepted KPI.
type Published struct {
	KPI         string          `json:"kpi"`
	RunID       string          `json:"run_id"`
	AsOfDate    string          `json:"as_of_date"`
	ArtifactURI string          `json:"artifact_uri"`
	Payload     json.RawMessage `json:"-"`
}

// NewPublisher returns a redis publisher, or a no-op one when REDIS_ADDR is unset.
func NewPublisher(cfg config.Config, log *zap.Logger) Publisher {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nopPublisher{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	return &RedisPublisher{
		client:  client,
		prefix:  cfg.Redis.KeyPrefix,
		channel: cfg.Redis.Channel,
		log:     log.Named("report.publisher"),
	}
}

// RedisPublisher stores the latest payload per KPI and announces it on a channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	prefix  string
	channel string
	log     *zap.Logger
}

func NewRedisPublisher(client redis.UniversalClient, prefix, channel string, log *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix, channel: channel, log: log.Named("report.publisher")}
}

func (p *RedisPublisher) Key(kpi string) string {
	return fmt.Sprintf(keyPublishedKPI, p.prefix, kpi)
}

func (p *RedisPublisher) Publish(ctx context.Context, pub Published) error {
	notice, err := json.Marshal(pub)
	if err != nil {
		return err
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.Key(pub.KPI), []byte(pub.Payload), 0)
		pipe.Publish(ctx, p.channel, notice)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", pub.KPI, err)
	}
	p.log.Info("report.kpi.pushed", zap.String("kpi", pub.KPI), zap.String("run_id", pub.RunID), zap.String("channel", p.channel))
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Published) error { return nil }
func (nopPublisher) Close() error                             { return nil }
