package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/couriermsg/courier/internal/cluster"
	"github.com/couriermsg/courier/internal/logging"
)

// Time given to workers between the shutdown broadcast and the supervisor
// killing their processes.
const shutdownGrace = 15 * time.Second

type supConfig struct {
	ListenAddr string `env:"COURIERSUP_LISTEN_ADDR" envDefault:":9090"`
	Workers    int    `env:"COURIERSUP_WORKERS" envDefault:"4"`
	WorkerCmd  string `env:"COURIERSUP_WORKER_CMD" envDefault:"courierd"`
	BasePort   int    `env:"COURIERSUP_BASE_PORT" envDefault:"8080"`
	LogLevel   string `env:"COURIERSUP_LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"COURIERSUP_LOG_FORMAT" envDefault:"console"`
}

func (c supConfig) validate() error {
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if c.WorkerCmd == "" {
		return errors.New("worker command is required")
	}
	if c.BasePort < 1 || c.BasePort+c.Workers > 65535 {
		return errors.New("base port leaves no room for worker ports")
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg supConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().
		Str("role", "coordinator").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinator := cluster.NewCoordinator(log)
	go coordinator.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/control", coordinator.HandleControl)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("control channel listening")
		errCh <- srv.ListenAndServe()
	}()

	controlURL := fmt.Sprintf("ws://127.0.0.1%s/control", cfg.ListenAddr)
	supervisor := cluster.NewSupervisor(cfg.WorkerCmd, nil, func(slot int) []string {
		return []string{
			fmt.Sprintf("COURIER_WORKER_ID=w%d", slot),
			fmt.Sprintf("COURIER_LISTEN_ADDR=:%d", cfg.BasePort+slot),
			fmt.Sprintf("COURIER_CONTROL_URL=%s", controlURL),
			fmt.Sprintf("COURIER_PROCESS_COUNT=%d", cfg.Workers),
		}
	}, log)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	workersDone := make(chan struct{})
	go func() {
		supervisor.Run(workerCtx, cfg.Workers)
		close(workersDone)
	}()

	var err error
	select {
	case <-ctx.Done():
		// Ask workers to drain, give them the grace period, then kill
		// whatever is left and stop the control server.
		log.Info().Dur("grace", shutdownGrace).Msg("broadcasting shutdown")
		broadcastCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		coordinator.BroadcastShutdown(broadcastCtx)
		cancel()

		select {
		case <-workersDone:
		case <-time.After(shutdownGrace):
			log.Warn().Msg("grace period elapsed, killing remaining workers")
		}
		cancelWorkers()
		<-workersDone

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err = <-errCh
	case err = <-errCh:
		cancelWorkers()
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control server failed: %w", err)
	}
	return nil
}
