package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zling/backend/internal/adapters/events"
	router "github.com/zling/backend/internal/adapters/http"
	"github.com/zling/backend/internal/adapters/rtc"
	"github.com/zling/backend/internal/auth"
	"github.com/zling/backend/internal/config"
	"github.com/zling/backend/internal/pubsub"
	"github.com/zling/backend/internal/storage"
	"github.com/zling/backend/internal/voice"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	authn, err := auth.New(cfg.TokenSigningKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up token signing")
	}

	engine, err := rtc.NewEngine(rtc.Options{
		STUNServer: cfg.STUNServer,
		AnnounceIP: cfg.AnnounceIP,
		PortMin:    cfg.RTCPortMin,
		PortMax:    cfg.RTCPortMax,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up media engine")
	}

	store := storage.NewMemory()
	manager := pubsub.NewManager()
	sessions := voice.NewServer(ctx, engine, manager)

	api := &router.API{
		Store:  store,
		Auth:   authn,
		Events: manager,
		Voice:  sessions,
		Stream: events.NewController(cfg, manager, sessions, store),
	}

	r := router.SetupRouter(ctx, cfg, api)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
