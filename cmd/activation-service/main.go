// cmd/activation-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"actigate/internal/api"
	"actigate/internal/backends"
	"actigate/internal/captcha"
	"actigate/internal/orchestrator"
	"actigate/internal/session"
	"actigate/internal/vouchers"
	"actigate/pkg/config"
	"actigate/pkg/db"
	"actigate/pkg/logger"
	"actigate/pkg/middleware"
	"actigate/pkg/tenants"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	pool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)

	var prov tenants.Provider
	var inventory vouchers.Inventory
	if pool != nil {
		prov = tenants.NewPostgresProvider(pool, log)
		inventory = vouchers.NewPostgresInventory(pool, log)
		if err := tenants.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		if err := tenants.SeedFromEnv(context.Background(), pool, os.Getenv("TENANT_SEED_JSON")); err != nil {
			log.Warnw("seed", "err", err)
		}
	} else {
		prov = tenants.NewMemoryProviderFromEnv(log)
		inventory = vouchers.NewMemoryInventory()
	}

	catalog, err := backends.LoadCatalog(cfg.BackendsFile)
	if err != nil {
		log.Fatalw("backend catalog", "file", cfg.BackendsFile, "err", err)
	}
	log.Infow("backend catalog loaded", "file", cfg.BackendsFile, "backends", len(catalog.List()))

	sessions := session.NewManager(log, rdb)
	deps := backends.Deps{
		Sessions:   sessions,
		Captcha:    captcha.NewBridge(cfg, log),
		Log:        log,
		SessionTTL: cfg.SessionTTL,
	}
	svc := orchestrator.New(catalog, prov, sessions, inventory, deps,
		orchestrator.NoopLedger{}, orchestrator.LogNotifier{Log: log}, pool, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing(cfg))
	r.Use(middleware.WithTenant(prov))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	api.NewApp(svc, catalog, inventory, prov, log).Mount(r)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infow("activation-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	fmt.Println("activation-service stopped")
}
