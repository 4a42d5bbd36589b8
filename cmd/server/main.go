package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Signal/internal/adapters/bus"
	router "github.com/dkeye/Signal/internal/adapters/http"
	"github.com/dkeye/Signal/internal/adapters/rtc"
	"github.com/dkeye/Signal/internal/app"
	"github.com/dkeye/Signal/internal/app/orch"
	"github.com/dkeye/Signal/internal/config"
	"github.com/dkeye/Signal/internal/core"
)

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg == nil || cfg.Mode != "release" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level := zerolog.InfoLevel
	if cfg != nil {
		if l, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && l != zerolog.NoLevel {
			level = l
		}
	}
	zerolog.SetGlobalLevel(level)
}

func newBus(ctx context.Context, cfg *config.Config) (core.EventBus, error) {
	if cfg.Broker.Mode == config.BrokerLocal {
		log.Warn().Str("module", "main").Msg("local event bus, events stay on this instance")
		return bus.NewLocalBus(cfg.InstanceID), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Broker.Addr(),
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	})
	b, err := bus.NewRedisBus(ctx, client, bus.RedisOptions{
		InstanceID:    cfg.InstanceID,
		ChannelPrefix: cfg.Broker.ChannelPrefix,
		BackoffMin:    cfg.Broker.BackoffMin,
		BackoffMax:    cfg.Broker.BackoffMax,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console logger until the config says otherwise.
	setupLogger(nil)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg)
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	eventBus, err := newBus(connectCtx, cfg)
	connectCancel()
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Broker.Addr()).Msg("event broker unreachable")
	}

	engine, err := rtc.NewEngine(rtc.Config{
		NumWorkers:  cfg.RTC.NumWorkers,
		ListenIP:    cfg.RTC.ListenIP,
		AnnouncedIP: cfg.RTC.AnnouncedIP,
		MinPort:     cfg.RTC.MinPort,
		MaxPort:     cfg.RTC.MaxPort,
		TCPPort:     cfg.RTC.TCPPort,
		Codecs:      cfg.RTC.Codecs,
	}, func(err error) {
		log.Error().Err(err).Dur("grace", cfg.RTC.FatalGrace).Msg("media engine lost every worker, shutting down")
		time.AfterFunc(cfg.RTC.FatalGrace, cancel)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media engine")
	}

	policy, err := app.PolicyByName(cfg.Backpressure)
	if err != nil {
		log.Fatal().Err(err).Msg("bad backpressure policy")
	}
	o := orch.New(engine, eventBus, cfg.RTC.Codecs, policy, app.SessionConfig{
		DtlsTimeout: cfg.Negotiation.DtlsTimeout,
		IdleTimeout: cfg.Negotiation.IdleTimeout,
	})
	o.Start()

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("instance", cfg.InstanceID).Msg("Signal server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	o.Shutdown()
	engine.Close()
	if err := eventBus.Close(); err != nil {
		log.Warn().Err(err).Msg("event bus close")
	}
	log.Info().Msg("Server exited gracefully")
}
