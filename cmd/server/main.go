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

	router "github.com/pkaminsk/Anchor/internal/adapters/http"
	"github.com/pkaminsk/Anchor/internal/adapters/llm"
	"github.com/pkaminsk/Anchor/internal/adapters/realtime"
	"github.com/pkaminsk/Anchor/internal/adapters/rtc"
	"github.com/pkaminsk/Anchor/internal/app"
	"github.com/pkaminsk/Anchor/internal/config"
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

	rtcClient := rtc.NewClient(rtc.Config{
		APIKey:    cfg.RTC.APIKey,
		ProjectID: cfg.RTC.ProjectID,
		APIURL:    cfg.RTC.APIURL,
		SignalURL: cfg.RTC.SignalURL,
	})
	models := realtime.NewClient(realtime.Config{
		APIKey: cfg.Model.APIKey,
		URL:    cfg.Model.RealtimeURL,
		Model:  cfg.Model.Name,
	})
	interviewer := llm.NewClient(llm.Config{
		APIKey:  cfg.Model.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
	})

	registry := app.NewRegistry()
	orch := app.NewOrchestrator(ctx, registry, rtcClient, models, interviewer, app.AgentOptions{
		DisplayName:      cfg.Agent,
		Instructions:     cfg.Model.Instructions,
		Voice:            cfg.Model.Voice,
		NewOutboundTrack: rtc.NewOutboundTrack,
	})

	r := router.SetupRouter(cfg, orch)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Anchor server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	orch.Shutdown(shutdownCtx)
	log.Info().Msg("Server exited gracefully")
}
