package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"contaflow.app/internal/auth"
	"contaflow.app/internal/config"
	"contaflow.app/internal/httpapi"
	"contaflow.app/internal/ledger"
	"contaflow.app/internal/obs"
	"contaflow.app/internal/store/pg"
	"contaflow.app/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	opts := ledger.Options{
		WalletName: cfg.WalletName,
		Location:   cfg.Location(),
		OnPartialResolution: func(owner, ref string) {
			obs.Warn("transfer destination unresolved", map[string]any{"ref": ref})
		},
	}

	var (
		svc ledger.Service
		db  *sql.DB
	)
	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN, opts)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		svc = store
		db = store.DB()
	} else {
		log.Printf("CONTAFLOW_PG_DSN not set, using in-memory ledger")
		svc = ledger.NewInMemory(opts)
	}

	var tokens *auth.Tokens
	if cfg.AuthSecret != "" {
		tokens, err = auth.NewTokens(cfg.AuthSecret)
		if err != nil {
			log.Fatalf("auth init: %v", err)
		}
	} else {
		log.Printf("CONTAFLOW_AUTH_SECRET not set, token auth disabled")
	}

	api := httpapi.New(svc, tokens, stream.New(), httpapi.ReadyProbe{DB: db}, version)
	api.RateBurst = cfg.RateLimitBurst
	api.RatePerSec = cfg.RateLimitPerSec
	api.MaxBodyBytesN = cfg.MaxBodyBytes
	api.GatewaySecret = cfg.GatewaySecret

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting contaflow-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
