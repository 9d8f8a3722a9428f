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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	router "github.com/dkeye/callmesh/internal/adapters/http"
	"github.com/dkeye/callmesh/internal/adapters/store"
	"github.com/dkeye/callmesh/internal/app"
	"github.com/dkeye/callmesh/internal/app/orch"
	"github.com/dkeye/callmesh/internal/config"
	"github.com/dkeye/callmesh/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := pflag.NewFlagSet("relay", pflag.ExitOnError)
	flags.Int("port", 8080, "listen port")
	flags.String("data-path", "", "directory for persisted notes; empty keeps them in memory")
	flags.String("backpressure", "kick", "what to do with a member whose send buffer is full: kick or drop")
	flags.String("log-level", "info", "zerolog level")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags, map[string]string{
		"server.port":         "port",
		"server.data_path":    "data-path",
		"server.backpressure": "backpressure",
		"log_level":           "log-level",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	var notes core.NoteStore
	if cfg.Server.DataPath != "" {
		s, err := store.OpenPebble(cfg.Server.DataPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Server.DataPath).Msg("open note store")
		}
		defer s.Close()
		notes = s
	}

	var policy app.Policy = app.KickPolicy{}
	if cfg.Server.Backpressure == "drop" {
		policy = app.TolerantPolicy{}
	}

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   policy,
		Notes:    notes,
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, o),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	o.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Relay exited gracefully")
}
