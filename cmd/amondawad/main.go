// Command amondawad runs the block-rotation datapoint store as a standalone
// HTTP server. It wires an in-memory kv.Client (internal/kv/memkv) as a
// stand-in for a real hosted key-value database; an integrator swaps it for
// one that talks to their own backend (spec.md §6).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/traycho/amondawa"
	"github.com/traycho/amondawa/internal/httpapi"
	"github.com/traycho/amondawa/internal/kv/memkv"
	"github.com/traycho/amondawa/internal/metrics"
)

func main() {
	cfg := amondawa.FromEnv()

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	client := memkv.New(memkv.WithCreateDelay(2 * time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	schema, err := amondawa.NewSchema(ctx, cfg, client)
	cancel()
	if err != nil {
		amondawa.Log().Fatal().Err(err).Msg("amondawad: schema init failed")
	}

	worker := amondawa.NewMaintenanceWorker(schema, cfg)
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	worker.Start(runCtx)

	datastore := amondawa.NewDatastore(schema)
	handler := httpapi.NewHandler(datastore, amondawa.Log())

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	addr := os.Getenv("AMONDAWA_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-runCtx.Done()
		worker.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			amondawa.Log().Error().Err(err).Msg("amondawad: graceful shutdown failed")
		}
	}()

	amondawa.Log().Info().Str("addr", addr).Msg("amondawad: listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		amondawa.Log().Fatal().Err(err).Msg("amondawad: server exited")
	}
}
