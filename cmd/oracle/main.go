package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/goalescrow/internal/config"
	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/punchamoorthee/goalescrow/internal/oracle"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(log.Level(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := oracle.NewAPIClient(cfg.APIURL, domain.NewAddress(cfg.OracleAddress))
	srv := &http.Server{
		Addr:              ":" + cfg.OraclePort,
		Handler:           oracle.NewRouter(oracle.NewRelay(client)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(log.Fields{"port": cfg.OraclePort, "api": cfg.APIURL}).Info("oracle relay starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
