package main

import (
	"context"
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
	httpapi "github.com/Tonycreatyv/dentalconnect-engine/internal/http"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/logging"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/metrics"
)

func main() {
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
		log.Fatal("db connect", zap.Error(err))
	}
	defer database.Close()
	if err := database.Migrate(rootCtx); err != nil {
		log.Fatal("db migrate", zap.Error(err))
	}

	store := &core.Store{DB: database.Pool}

	var gen generate.Generator
	if cfg.OpenAIAPIKey != "" {
		gen, err = generate.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.GenerateTimeout)
		if err != nil {
			log.Fatal("generator", zap.Error(err))
		}
	} else {
		log.Warn("OPENAI_API_KEY not set, using the canned generator")
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

	srv := &httpapi.Server{
		Store:          store,
		Dispatcher:     dispatcher,
		Scheduler:      scheduler,
		Log:            log.Named("http"),
		VerifyToken:    cfg.VerifyToken,
		InternalToken:  cfg.InternalToken,
		FollowupToken:  cfg.FollowupToken,
		PageToken:      os.Getenv("MESSENGER_PAGE_TOKEN"),
		DefaultOrg:     cfg.DefaultOrg,
		DispatchLimit:  cfg.DispatchLimit,
		TriggerTimeout: cfg.TriggerTimeout,
	}

	// Pool stats exporter
	stop := make(chan struct{})
	go metrics.NewPGXPoolStats(database.Pool).Start(15*time.Second, stop)
	defer close(stop)

	// In-process backstop sweeps; cron against the internal endpoints
	// can replace these in multi-instance deployments.
	go func() {
		t := time.NewTicker(cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-t.C:
				if _, err := dispatcher.ReclaimStale(rootCtx, cfg.DefaultOrg, cfg.ProcessingLease); err != nil {
					log.Warn("lease reclaim", zap.Error(err))
				}
				if _, err := dispatcher.RunSweep(rootCtx, cfg.DefaultOrg, cfg.DispatchLimit); err != nil {
					log.Warn("dispatch sweep", zap.Error(err))
				}
				if _, err := scheduler.RunSweep(rootCtx, cfg.DefaultOrg, cfg.FollowupLimit, cfg.FollowupTZ); err != nil {
					log.Warn("follow-up sweep", zap.Error(err))
				}
			}
		}
	}()

	server := &http.Server{
		Addr:         cfg.Host + ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		log.Info("HTTP listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server", zap.Error(err))
		}
	}()

	<-rootCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}
