package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"whalecopy/internal/bias"
	"whalecopy/internal/config"
	"whalecopy/internal/cooldown"
	"whalecopy/internal/decision"
	"whalecopy/internal/diagnostics"
	"whalecopy/internal/ev"
	"whalecopy/internal/exec"
	"whalecopy/internal/execution"
	"whalecopy/internal/marketdata"
	"whalecopy/internal/notify"
	"whalecopy/internal/position"
	"whalecopy/internal/reserve"
	"whalecopy/internal/scheduler"
	"whalecopy/internal/store"
	"whalecopy/internal/types"
)

const version = "v1.0"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Str("version", version).Bool("simulation", cfg.Simulation).Msg("whalecopy starting")

	client, err := exec.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("exec client init failed")
	}

	wsClient := marketdata.NewWSClient(cfg.PolymarketWSURL)
	if err := wsClient.Connect(); err != nil {
		log.Warn().Err(err).Msg("ws connect failed, will rely on REST fallback")
	}
	market := marketdata.New(cfg, wsClient, client)

	leaderboardClient := marketdata.NewLeaderboardClient(cfg.PolymarketCLOBURL)
	biasAcc := bias.New(cfg, leaderboardClient)
	evTrk := ev.New(cfg)

	var events chan position.TransitionEvent
	var db *store.Store
	if cfg.DatabaseURL != "" || cfg.SqlitePath != "" {
		events = make(chan position.TransitionEvent, 64)
		s, err := store.New(cfg.DatabaseURL, cfg.SqlitePath)
		if err != nil {
			log.Warn().Err(err).Msg("store unavailable, running without persistence")
		} else {
			db = s
			go persistTransitions(db, events)
		}
	}

	posMgr := position.New(cfg, events)
	dec := decision.New(cfg)
	reserveMgr := reserve.New(cfg)
	execEngine := execution.New(cfg, client, dec, posMgr, evTrk, reserveMgr)
	cooldowns := cooldown.New()
	funnel := diagnostics.NewFunnel()

	var notifier *notify.Notifier
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		n, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID, nil)
		if err != nil {
			log.Warn().Err(err).Msg("telegram notifier unavailable")
		} else {
			notifier = n
			notifier.Start()
		}
	}

	renderer := diagnostics.NewRenderer(funnel, biasAcc, cooldowns)

	sched := scheduler.New(cfg, biasAcc, evTrk, posMgr, dec, execEngine, market, cooldowns, reserveMgr, funnel, renderer, client, nil, nil)

	go sched.Run()
	log.Info().Msg("whalecopy running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Warn().Msg("shutdown signal received")
	sched.Stop()
	wsClient.Close()
	if notifier != nil {
		notifier.Stop()
	}
	if events != nil {
		close(events)
	}
	log.Info().Msg("shutdown complete")
}

func persistTransitions(db *store.Store, events chan position.TransitionEvent) {
	for evt := range events {
		if err := db.RecordTransition(evt.Position.ID, evt.Entry); err != nil {
			log.Debug().Err(err).Msg("store: transition persist failed")
		}
		if evt.Entry.To == types.StateClosed {
			if err := db.RecordClosedTrade(evt.Position); err != nil {
				log.Debug().Err(err).Msg("store: closed-trade persist failed")
			}
		}
	}
}
