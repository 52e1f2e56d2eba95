package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/automlkit/ensembled/internal/config"
	"github.com/automlkit/ensembled/internal/coordinator"
	"github.com/automlkit/ensembled/internal/history"
	"github.com/automlkit/ensembled/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the builder daemon: poll loop plus HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		drv, db, err := buildDriver(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		hist := history.New(cfg.HistorySize)
		coord := coordinator.New(drv, hist, cfg.WallTime.Std(), cfg.MaxIterations, cfg.EnsembleNBest)

		server := &httpapi.Server{
			Coord:   coord,
			History: hist,
			Perf:    drv,
			Auth:    &httpapi.Authenticator{Store: db},
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Poll ticker: every tick is one non-blocking coordinator step.
		go func() {
			t := time.NewTicker(cfg.PollInterval.Std())
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					coord.OnEvent(ctx)
				}
			}
		}()

		srv := httpapi.NewHTTPServer(cfg.HTTPAddr, server.Handler())
		go func() {
			log.Printf("HTTP listening on %s", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("http serve: %v", err)
			}
		}()

		<-ctx.Done()
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
