package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		ListenAddr:        ":8080",
		DBURL:             "postgres://localhost/courier",
		TargetConnections: 10000,
		ProcessCount:      4,
		PollTimeout:       6 * time.Second,
		QueueCapacity:     5000,
		QueueScanLimit:    1000,
		BroadcastSlice:    1000,
		BatchInterval:     time.Second,
		BatchRetryLimit:   20,
		TrackerTTL:        10 * time.Minute,
		Retention:         720 * time.Hour,
		TokenTTL:          24 * time.Hour,
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COURIER_DB_URL", "postgres://localhost/courier")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.QueueCapacity != 5000 || cfg.QueueScanLimit != 1000 {
		t.Fatalf("queue defaults = %d/%d, want 5000/1000", cfg.QueueCapacity, cfg.QueueScanLimit)
	}
	if cfg.PollTimeout != 6*time.Second {
		t.Fatalf("PollTimeout = %v, want 6s", cfg.PollTimeout)
	}
	if cfg.BatchRetryLimit != 20 {
		t.Fatalf("BatchRetryLimit = %d, want 20", cfg.BatchRetryLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COURIER_DB_URL", "postgres://localhost/courier")
	t.Setenv("COURIER_POLL_TIMEOUT", "2s")
	t.Setenv("COURIER_PROCESS_COUNT", "8")
	t.Setenv("COURIER_WORKER_ID", "w3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PollTimeout != 2*time.Second || cfg.ProcessCount != 8 || cfg.WorkerID != "w3" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing db url", func(c *Config) { c.DBURL = "" }},
		{"missing listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"zero processes", func(c *Config) { c.ProcessCount = 0 }},
		{"zero target", func(c *Config) { c.TargetConnections = 0 }},
		{"zero poll timeout", func(c *Config) { c.PollTimeout = 0 }},
		{"zero queue capacity", func(c *Config) { c.QueueCapacity = 0 }},
		{"zero batch interval", func(c *Config) { c.BatchInterval = 0 }},
		{"zero retention", func(c *Config) { c.Retention = 0 }},
		{"tls cert without key", func(c *Config) { c.TLSCertPath = "/tmp/cert.pem" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
