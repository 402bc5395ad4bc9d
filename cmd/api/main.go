package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/goalescrow/internal/api"
	"github.com/punchamoorthee/goalescrow/internal/config"
	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/punchamoorthee/goalescrow/internal/event"
	"github.com/punchamoorthee/goalescrow/internal/models"
	"github.com/punchamoorthee/goalescrow/internal/payout"
	"github.com/punchamoorthee/goalescrow/internal/pricefeed"
	"github.com/punchamoorthee/goalescrow/internal/service"
	"github.com/punchamoorthee/goalescrow/internal/store"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(log.Level(cfg.LogLevel))
	if cfg.Env != "development" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, err := store.Open(ctx, store.Config{
		Type:    cfg.DBType,
		Source:  cfg.DBSource,
		Datadir: cfg.Datadir,
		Logger:  log.StandardLogger(),
	})
	if err != nil {
		log.Fatalf("Unable to open ledger store: %v", err)
	}
	defer ledger.Close()

	prices, err := pricefeed.New(pricefeed.Config{
		FeedID:            cfg.PriceFeedID,
		Source:            domain.NewAddress(cfg.PriceSource),
		MaxAge:            cfg.MaxPriceAge,
		MaxConfidenceBps:  cfg.MaxConfidenceBps,
		NativeDecimals:    cfg.NativeDecimals,
		ReferenceDecimals: cfg.ReferenceDecimals,
	})
	if err != nil {
		log.Fatal(err)
	}

	bus := event.NewEventBus(prometheus.DefaultRegisterer)
	defer bus.Stop()
	if cfg.NatsURL != "" {
		pub, err := event.NewNatsPublisher(cfg.NatsURL, cfg.NatsSubjectPrefix)
		if err != nil {
			log.Fatalf("Unable to connect to NATS: %v", err)
		}
		pub.Attach(bus)
		log.WithField("url", cfg.NatsURL).Info("publishing notifications to NATS")
	}

	oracle := domain.NewAddress(cfg.OracleAddress)
	engine, err := service.NewEngine(ledger, service.Config{
		Authorizer: service.SingleOracle(oracle),
		Prices:     prices,
		Payout:     payout.NewTreasury(),
		Events:     bus,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		log.Fatal(err)
	}

	handler := api.NewHandler(engine, models.ConfigResponse{
		Oracle:         oracle.String(),
		PriceSource:    prices.Source().String(),
		PriceFeedID:    prices.FeedID(),
		ReferenceAsset: cfg.ReferenceAsset,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("server shutdown failed")
		}
	}()

	log.WithFields(log.Fields{
		"port":   cfg.Port,
		"store":  cfg.DBType,
		"oracle": oracle,
		"feed":   prices.FeedID(),
	}).Info("settlement server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	log.Info("settlement server stopped")
}
