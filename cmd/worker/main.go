package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tonycreatyv/dentalconnect-engine/internal/channel"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/config"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/core"
	dbpkg "github.com/Tonycreatyv/dentalconnect-engine/internal/db"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/dispatch"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/followup"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/generate"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/logging"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel, cfg.Dev)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := dbpkg.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Error("db connect", zap.Error(err))
		exitCode = 1
		return
	}
	defer database.Close()

	store := &core.Store{DB: database.Pool}

	var gen generate.Generator
	if cfg.OpenAIAPIKey != "" {
		gen, err = generate.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.GenerateTimeout)
		if err != nil {
			log.Error("generator", zap.Error(err))
			exitCode = 1
			return
		}
	} else {
		gen = generate.Static{}
	}

	senders := channel.Mux{
		"messenger": channel.NewMessenger(cfg.SendTimeout),
		"web":       channel.NewDummy(),
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.ProviderQPS), cfg.ProviderBurst)

	dispatcher := dispatch.New(store, gen, senders, limiter, log.Named("dispatch"))
	dispatcher.SendTimeout = cfg.SendTimeout

	scheduler := followup.New(store, gen, senders, log.Named("followup"))
	scheduler.SendTimeout = cfg.SendTimeout

	go serveHealthz()

	// Follow-up sweeps on their own timer next to the outbox loop.
	go func() {
		t := time.NewTicker(cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-t.C:
				if _, err := scheduler.RunSweep(rootCtx, cfg.DefaultOrg, cfg.FollowupLimit, cfg.FollowupTZ); err != nil {
					log.Warn("follow-up sweep", zap.Error(err))
				}
			}
		}
	}()

	err = dispatcher.RunLoop(rootCtx, dispatch.LoopOptions{
		OrgID:         cfg.DefaultOrg,
		BatchSize:     cfg.DispatchLimit,
		PollInterval:  200 * time.Millisecond,
		IdleSleep:     300 * time.Millisecond,
		DBBackoffMin:  200 * time.Millisecond,
		DBBackoffMax:  5 * time.Second,
		Lease:         cfg.ProcessingLease,
		LeaseInterval: cfg.SweepInterval,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker exited", zap.Error(err))
		exitCode = 1
	}
}

func serveHealthz() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	addr := os.Getenv("HEALTH_ADDR")
	if addr == "" {
		addr = "0.0.0.0:9090"
	}
	_ = http.ListenAndServe(addr, mux)
}
