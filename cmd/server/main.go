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

	router "github.com/lexpr/groupcall/internal/adapters/http"
	wssignal "github.com/lexpr/groupcall/internal/adapters/signal"
	"github.com/lexpr/groupcall/internal/config"
	"github.com/lexpr/groupcall/internal/core"
	"github.com/lexpr/groupcall/internal/media/kurento"
)

// recordingStampLayout names recorded files by process start time.
const recordingStampLayout = "2006-01-02-15-04-05"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	engine, err := kurento.Dial(ctx, cfg.EngineURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.EngineURL).Msg("could not reach media engine")
	}

	// One stamp per process: every room records under the same run prefix.
	recordingBase := fmt.Sprintf("%s/%s", cfg.RecordingBase, time.Now().Format(recordingStampLayout))

	rooms := core.NewRoomManager(engine, recordingBase)
	registry := core.NewUserRegistry()
	ctrl := wssignal.NewSignalWSController(rooms, registry)

	r := router.SetupRouter(ctx, cfg, ctrl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("group call server started")
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
	rooms.Shutdown()
	if err := engine.Close(); err != nil {
		log.Warn().Err(err).Msg("engine close")
	}
	log.Info().Msg("Server exited gracefully")
}
