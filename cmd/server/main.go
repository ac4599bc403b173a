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

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"whatsbox-server/internal/auth"
	"whatsbox-server/internal/bus"
	"whatsbox-server/internal/config"
	"whatsbox-server/internal/deliverylog"
	"whatsbox-server/internal/logging"
	"whatsbox-server/internal/phonestore"
	"whatsbox-server/internal/registry"
	"whatsbox-server/internal/server"
	"whatsbox-server/internal/wa"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)
	gin.SetMode(cfg.GinMode)

	store, cleanup, err := buildStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	defer cleanup()

	eventBus := bus.New(log)
	deliveries := deliverylog.New()

	reg := registry.New(registry.Deps{
		Log:        log,
		Transport:  wa.NewSimulator(),
		Store:      store,
		Bus:        eventBus,
		Deliveries: deliveries,
	})

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "whatsbox-server",
	}

	router := server.NewRouter(server.Deps{
		Log:          log,
		Store:        store,
		Registry:     reg,
		Bus:          eventBus,
		Deliveries:   deliveries,
		TokenConfig:  tokenCfg,
		MasterSecret: cfg.MasterSecret,
	})

	srv := server.NewHTTPServer(cfg, router)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("listening")
		var err error
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	reg.Close(ctx)
	eventBus.Close()
}

// buildStore picks Postgres when configured and falls back to the
// in-memory store, optionally snapshotting to a state file. A reachable
// database is still wrapped so that write errors degrade to the cache
// instead of failing requests.
func buildStore(cfg config.Config, log zerolog.Logger) (phonestore.Store, func(), error) {
	cache := phonestore.NewMemoryWithFile(log, cfg.PhonesStateFile)
	if cfg.DatabaseURL == "" {
		return cache, func() {}, nil
	}

	pg, err := phonestore.Open(cfg.DatabaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("database unreachable, using in-memory store")
		return cache, func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pg.EnsureSchema(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}

	return phonestore.NewFallback(log, pg, cache), func() { _ = pg.Close() }, nil
}
