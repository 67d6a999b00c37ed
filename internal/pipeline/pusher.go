package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/smallbiznis/kpiledger/internal/config"
)

const defaultPushTimeout = 5 * time.Second

// Pusher ships the metrics of a one-shot run before the process exits.
type Pusher interface {
	Push(ctx context.Context, gatherer prometheus.Gatherer) error
}

type nopPusher struct{}

func (nopPusher) Push(context.Context, prometheus.Gatherer) error { return nil }

// NewPusher returns a Pushgateway pusher, or a no-op when no gateway is configured.
func NewPusher(cfg config.Config) Pusher {
	endpoint := strings.TrimSpace(cfg.Metrics.PushgatewayURL)
	if endpoint == "" {
		return nopPusher{}
	}
	job := strings.TrimSpace(cfg.Metrics.JobName)
	if job == "" {
		job = cfg.AppName
	}
	return &PushgatewayPusher{
		endpoint: endpoint,
		job:      job,
		grouping: map[string]string{"environment": strings.TrimSpace(cfg.Environment)},
	}
}

type PushgatewayPusher struct {
	endpoint string
	job      string
	grouping map[string]string
}

func (p *PushgatewayPusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		return nil
	}
	pusher := push.New(p.endpoint, p.job).Gatherer(gatherer)
	for key, value := range p.grouping {
		if key == "" || value == "" {
			continue
		}
		pusher = pusher.Grouping(key, value)
	}
	ctx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()
	return pusher.PushContext(ctx)
}
