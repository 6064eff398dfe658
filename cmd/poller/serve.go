package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orderbridge/poller/pkg/log"
	"github.com/orderbridge/poller/pkg/metrics"
	"github.com/orderbridge/poller/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Scheduler and the metrics/health HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			log.Logger.Fatal().Err(err).Msg("invalid configuration")
		}
		defer st.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sched := scheduler.New(st)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}

		collector := metrics.NewCollector(st)
		collector.Start()
		defer collector.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		log.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics/health server listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Logger.Info().Msg("shutdown signal received")
		case err := <-errCh:
			log.Logger.Error().Err(err).Msg("metrics server error")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)

		sched.Stop()
		log.Logger.Info().Msg("shutdown complete")
		return nil
	},
}
