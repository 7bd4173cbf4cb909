// Package syncd parses syncd command flags and launches the sync runtime.
package syncd

import (
	"context"
	"flag"
	"time"

	"github.com/quillstone/charsync/internal/app"
	entrypoint "github.com/quillstone/charsync/internal/platform/cmd"
)

// Config holds syncd command configuration.
type Config struct {
	Port                int           `env:"CHARSYNC_SYNCD_PORT" envDefault:"8094"`
	DBPath              string        `env:"CHARSYNC_SYNCD_DB_PATH" envDefault:"data/syncd.db"`
	RemoteURL           string        `env:"CHARSYNC_SYNCD_REMOTE_URL"`
	SyncInterval        time.Duration `env:"CHARSYNC_SYNCD_SYNC_INTERVAL" envDefault:"5s"`
	HeartbeatInterval   time.Duration `env:"CHARSYNC_SYNCD_HEARTBEAT_INTERVAL" envDefault:"30s"`
	SubscriptionTimeout time.Duration `env:"CHARSYNC_SYNCD_SUBSCRIPTION_TIMEOUT" envDefault:"300s"`
	RetryInterval       time.Duration `env:"CHARSYNC_SYNCD_RETRY_INTERVAL" envDefault:"60s"`
	MaxRetries          int           `env:"CHARSYNC_SYNCD_MAX_RETRIES" envDefault:"5"`
	RetryBatch          int           `env:"CHARSYNC_SYNCD_RETRY_BATCH" envDefault:"10"`
	CacheTTL            time.Duration `env:"CHARSYNC_SYNCD_CACHE_TTL" envDefault:"60s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The syncd health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The syncd SQLite database path")
	fs.StringVar(&cfg.RemoteURL, "remote-url", cfg.RemoteURL, "The remote campaign sync websocket URL")
	fs.DurationVar(&cfg.SyncInterval, "sync-interval", cfg.SyncInterval, "Periodic change push interval")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Subscription heartbeat interval")
	fs.DurationVar(&cfg.SubscriptionTimeout, "subscription-timeout", cfg.SubscriptionTimeout, "Silence before a subscription is deactivated")
	fs.DurationVar(&cfg.RetryInterval, "retry-interval", cfg.RetryInterval, "Sync error retry interval")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Retry attempts per sync error")
	fs.IntVar(&cfg.RetryBatch, "retry-batch", cfg.RetryBatch, "Sync errors retried per sweep")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "Read cache entry lifetime")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the sync runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSyncd, func(context.Context) error {
		return app.Run(ctx, app.RuntimeConfig{
			Port:                cfg.Port,
			DBPath:              cfg.DBPath,
			RemoteURL:           cfg.RemoteURL,
			SyncInterval:        cfg.SyncInterval,
			HeartbeatInterval:   cfg.HeartbeatInterval,
			SubscriptionTimeout: cfg.SubscriptionTimeout,
			RetryInterval:       cfg.RetryInterval,
			MaxRetries:          cfg.MaxRetries,
			RetryBatch:          cfg.RetryBatch,
			CacheTTL:            cfg.CacheTTL,
		})
	})
}
