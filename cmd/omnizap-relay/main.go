package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kaikybrofc/omnizap-relay/internal/server/config"
	"github.com/kaikybrofc/omnizap-relay/internal/server/dispatch"
	"github.com/kaikybrofc/omnizap-relay/internal/server/httpapi"
	"github.com/kaikybrofc/omnizap-relay/internal/server/outbox"
	"github.com/kaikybrofc/omnizap-relay/internal/server/registry"
	"github.com/kaikybrofc/omnizap-relay/internal/server/relay"
)

func main() {
	log.SetPrefix("[omnizap-relay] ")
	log.SetFlags(log.LstdFlags)

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := outbox.Open(ctx, outbox.Options{
		Path:          cfg.DBPath,
		BusyTimeoutMS: cfg.BusyTimeoutMS,
	})
	if err != nil {
		log.Fatalf("open outbox store: %v", err)
	}
	defer store.Close()

	reg := registry.New()
	engine := dispatch.New(store, reg)

	wsHandler := relay.NewHandler(relay.Options{
		Token:           cfg.WSToken,
		Heartbeat:       cfg.Heartbeat,
		DefaultClientID: cfg.DefaultClientID,
	}, store, reg, engine)

	apiHandler := httpapi.NewHandler(httpapi.Options{
		WebhookToken: cfg.WebhookToken,
		CommandToken: cfg.CommandToken,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}, store, engine, reg)

	router := httpapi.NewRouter(apiHandler, wsHandler, cfg.WSPath)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		reg.CloseAll()
	}()

	log.Printf("listening on %s (ws path %s)", cfg.HTTPAddr, cfg.WSPath)
	if cfg.WSToken == "" {
		log.Printf("warning: OMNIZAP_WS_TOKEN is not set, the relay endpoint will reject all connections")
	}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
}
