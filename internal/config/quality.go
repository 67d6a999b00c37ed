package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	SeverityHard = "hard"
	SeveritySoft = "soft"
)

// QualityRule overrides the severity and threshold of one expectation.
// Threshold is a ratio of failed rows over evaluated rows; a rule fails
// when the observed ratio is strictly greater than the threshold.
type QualityRule struct {
	Name      string  `mapstructure:"name"`
	Severity  string  `mapstructure:"severity"`
	Threshold float64 `mapstructure:"threshold"`
	Disabled  bool    `mapstructure:"disabled"`
}

type QualityConfig struct {
	Rules []QualityRule `mapstructure:"rules"`
}

// Rule returns the configured rule for name, if any.
func (c QualityConfig) Rule(name string) (QualityRule, bool) {
	for _, rule := range c.Rules {
		if strings.EqualFold(rule.Name, name) {
			return rule, true
		}
	}
	return QualityRule{}, false
}

func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		Rules: []QualityRule{
			{Name: "orders.amount_positive", Severity: SeverityHard, Threshold: 0},
			{Name: "orders.mobile_not_null", Severity: SeverityHard, Threshold: 0},
			{Name: "orders.timestamp_not_null", Severity: SeverityHard, Threshold: 0},
			{Name: "orders.customer_exists", Severity: SeverityHard, Threshold: 0},
			{Name: "orders.id_unique", Severity: SeverityHard, Threshold: 0},
			{Name: "orders.status_enum", Severity: SeveritySoft, Threshold: 0},
			{Name: "orders.reject_ratio", Severity: SeveritySoft, Threshold: 0.05},
			{Name: "customers.mobile_not_null", Severity: SeverityHard, Threshold: 0},
			{Name: "customers.identity_unique", Severity: SeverityHard, Threshold: 0},
			{Name: "customers.region_enum", Severity: SeveritySoft, Threshold: 0},
			{Name: "customers.reject_ratio", Severity: SeveritySoft, Threshold: 0.05},
		},
	}
}

type QualityConfigHolder struct {
	current atomic.Value // holds QualityConfig
}

// NewQualityConfigHolder loads quality.yml from the configured directory and
// reloads it whenever the file changes.
func NewQualityConfigHolder(cfg Config) (*QualityConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("quality")
	v.SetConfigType("yml")
	if dir := strings.TrimSpace(cfg.Paths.ConfigDir); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath("/etc/kpiledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("KPILEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		zap.L().Named("config.quality").Info("quality config not found, using defaults")
		return NewStaticQualityConfigHolder(DefaultQualityConfig()), nil
	}

	qc, err := unmarshalQuality(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticQualityConfigHolder(qc)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log := zap.L().Named("config.quality")
		updated, err := unmarshalQuality(v)
		if err != nil {
			log.Warn("quality config reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("quality config reloaded", zap.String("file", e.Name), zap.Int("rules", len(updated.Rules)))
	})

	return holder, nil
}

// NewStaticQualityConfigHolder returns a holder that never reloads.
func NewStaticQualityConfigHolder(qc QualityConfig) *QualityConfigHolder {
	holder := &QualityConfigHolder{}
	holder.current.Store(qc)
	return holder
}

func (h *QualityConfigHolder) Get() QualityConfig {
	if h == nil {
		return DefaultQualityConfig()
	}
	return h.current.Load().(QualityConfig)
}

func unmarshalQuality(v *viper.Viper) (QualityConfig, error) {
	var qc QualityConfig
	if err := v.UnmarshalKey("quality", &qc); err != nil {
		return QualityConfig{}, err
	}
	if err := validateQualityConfig(qc); err != nil {
		return QualityConfig{}, err
	}
	return mergeQualityDefaults(qc), nil
}

// mergeQualityDefaults keeps the built-in rules for names the file omits.
func mergeQualityDefaults(qc QualityConfig) QualityConfig {
	merged := QualityConfig{Rules: append([]QualityRule(nil), qc.Rules...)}
	for _, rule := range DefaultQualityConfig().Rules {
		if _, ok := qc.Rule(rule.Name); !ok {
			merged.Rules = append(merged.Rules, rule)
		}
	}
	return merged
}

func validateQualityConfig(qc QualityConfig) error {
	for _, rule := range qc.Rules {
		if strings.TrimSpace(rule.Name) == "" {
			return errors.New("quality.rules: name cannot be empty")
		}
		switch strings.ToLower(rule.Severity) {
		case SeverityHard, SeveritySoft:
		default:
			return fmt.Errorf("quality.rules[%s]: unknown severity %q", rule.Name, rule.Severity)
		}
		if rule.Threshold < 0 || rule.Threshold > 1 {
			return fmt.Errorf("quality.rules[%s]: threshold must be within [0,1]", rule.Name)
		}
	}
	return nil
}
