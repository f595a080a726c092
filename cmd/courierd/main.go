package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/couriermsg/courier/internal/auth"
	"github.com/couriermsg/courier/internal/batch"
	"github.com/couriermsg/courier/internal/cluster"
	"github.com/couriermsg/courier/internal/config"
	"github.com/couriermsg/courier/internal/delivery"
	"github.com/couriermsg/courier/internal/httpapi"
	"github.com/couriermsg/courier/internal/logging"
	"github.com/couriermsg/courier/internal/metrics"
	"github.com/couriermsg/courier/internal/queue"
	"github.com/couriermsg/courier/internal/registry"
	"github.com/couriermsg/courier/internal/storage"
)

// Delay between receiving a coordinator shutdown and stopping the server.
// Long enough for held polls to resolve or time out while the governor
// rejects new registrations.
const drainGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().
		Str("worker", cfg.WorkerID).Logger()

	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := storage.NewPostgresStore(storeCtx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	migrateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)

	reg := registry.New(log)
	gov := registry.NewGovernor(cfg.TargetConnections, cfg.ProcessCount)
	tracker := delivery.NewTracker(cfg.TrackerTTL)
	q := queue.New(cfg.QueueCapacity, log, m)
	batcher := batch.New(store.Messages(), cfg.BatchInterval, cfg.BatchRetryLimit, log, m)
	dispatcher := delivery.NewDispatcher(reg, tracker, q, cfg.BroadcastSlice, log, m)

	revocations := auth.NewRevocationCache(cfg.TokenTTL, 5*time.Minute)
	authService := auth.NewService(store.Identities(), revocations, cfg.TokenTTL)

	go reg.Run(ctx)
	go tracker.Run(ctx)
	go q.Run(ctx)
	go batcher.Run(ctx)
	go revocations.Run(ctx)
	go runRetentionPurge(ctx, store, log)

	api := httpapi.NewHandler(httpapi.Deps{
		Auth:        authService,
		Users:       store.Identities(),
		Messages:    store.Messages(),
		Registry:    reg,
		Governor:    gov,
		Tracker:     tracker,
		Queue:       q,
		Batcher:     batcher,
		Dispatcher:  dispatcher,
		PollTimeout: cfg.PollTimeout,
		ScanLimit:   cfg.QueueScanLimit,
		Retention:   cfg.Retention,
		WorkerID:    cfg.WorkerID,
		Log:         log,
		Metrics:     m,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	api.Register(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Held polls stay open for the full poll timeout before writing.
		WriteTimeout: cfg.PollTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.ControlURL != "" {
		agent := cluster.NewAgent(cfg.WorkerID, cfg.ControlURL,
			reg.Len,
			func() {
				gov.SetDraining(true)
				log.Info().Dur("grace", drainGrace).Msg("draining before shutdown")
				go func() {
					time.Sleep(drainGrace)
					stop()
				}()
			},
			log)
		go agent.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			log.Info().Str("addr", cfg.ListenAddr).Msg("listening with TLS")
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}

		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err = <-errCh
	case err = <-errCh:
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// runRetentionPurge deletes expired messages hourly. The delete is keyed on
// expires_at, so the cadence only bounds storage growth, never correctness.
func runRetentionPurge(ctx context.Context, store storage.Store, log zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purgeCtx, cancel := context.WithTimeout(ctx, time.Minute)
			purged, err := store.Messages().PurgeExpired(purgeCtx, now.UTC())
			cancel()
			if err != nil {
				log.Error().Err(err).Msg("retention purge failed")
				continue
			}
			if purged > 0 {
				log.Info().Int64("purged", purged).Msg("expired messages removed")
			}
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
