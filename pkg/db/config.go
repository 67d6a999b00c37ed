package db

import (
	"time"

	"github.com/smallbiznis/kpiledger/internal/config"
)

// Config holds pool and retry settings for Open.
type Config struct {
	Type            string
	Name            string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
	Metrics         bool
}

// ConfigFrom derives pool settings from the application configuration.
func ConfigFrom(cfg config.Config) Config {
	maxOpen := cfg.DBMaxOpenConn
	if cfg.DBType == "sqlite" {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY under the ledger lock.
		maxOpen = 1
	}
	return Config{
		Type:            cfg.DBType,
		Name:            cfg.DBName,
		MaxIdleConn:     cfg.DBMaxIdleConn,
		MaxOpenConn:     maxOpen,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Second,
		ConnectTimeout:  cfg.DBConnectTimeout,
		Metrics:         true,
	}
}
