package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable of a worker process. All sweeps, bounds, and
// timers are explicit so tests can instantiate small instances.
type Config struct {
	ListenAddr  string `env:"COURIER_LISTEN_ADDR" envDefault:":8080"`
	DBURL       string `env:"COURIER_DB_URL"`
	TLSCertPath string `env:"COURIER_TLS_CERT"`
	TLSKeyPath  string `env:"COURIER_TLS_KEY"`
	LogLevel    string `env:"COURIER_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"COURIER_LOG_FORMAT" envDefault:"console"`

	// Cluster wiring. ControlURL empty means standalone (no coordinator).
	WorkerID   string `env:"COURIER_WORKER_ID" envDefault:"w0"`
	ControlURL string `env:"COURIER_CONTROL_URL"`

	// Admission: per-process capacity is TargetConnections/ProcessCount.
	TargetConnections int `env:"COURIER_TARGET_CONNECTIONS" envDefault:"10000"`
	ProcessCount      int `env:"COURIER_PROCESS_COUNT" envDefault:"1"`

	PollTimeout    time.Duration `env:"COURIER_POLL_TIMEOUT" envDefault:"6s"`
	QueueCapacity  int           `env:"COURIER_QUEUE_CAPACITY" envDefault:"5000"`
	QueueScanLimit int           `env:"COURIER_QUEUE_SCAN_LIMIT" envDefault:"1000"`
	BroadcastSlice int           `env:"COURIER_BROADCAST_SLICE" envDefault:"1000"`

	BatchInterval   time.Duration `env:"COURIER_BATCH_INTERVAL" envDefault:"1s"`
	BatchRetryLimit int           `env:"COURIER_BATCH_RETRY_LIMIT" envDefault:"20"`

	TrackerTTL time.Duration `env:"COURIER_TRACKER_TTL" envDefault:"10m"`
	Retention  time.Duration `env:"COURIER_RETENTION" envDefault:"720h"`
	TokenTTL   time.Duration `env:"COURIER_TOKEN_TTL" envDefault:"24h"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if c.DBURL == "" {
		return errors.New("db url is required")
	}
	if c.TargetConnections < 1 {
		return errors.New("target connections must be at least 1")
	}
	if c.ProcessCount < 1 {
		return errors.New("process count must be at least 1")
	}
	if c.PollTimeout <= 0 {
		return errors.New("poll timeout must be positive")
	}
	if c.QueueCapacity < 1 || c.QueueScanLimit < 1 || c.BroadcastSlice < 1 {
		return errors.New("queue capacity, scan limit, and broadcast slice must be at least 1")
	}
	if c.BatchInterval <= 0 || c.BatchRetryLimit < 0 {
		return errors.New("batch interval must be positive and retry limit non-negative")
	}
	if c.TrackerTTL <= 0 || c.Retention <= 0 || c.TokenTTL <= 0 {
		return errors.New("tracker ttl, retention, and token ttl must be positive")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("both tls cert and key are required when enabling tls")
	}
	return nil
}
