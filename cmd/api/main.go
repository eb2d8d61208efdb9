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

	"github.com/mcclellann/shgLoan/pkg/config"
	"github.com/mcclellann/shgLoan/pkg/ledger"
	"github.com/mcclellann/shgLoan/pkg/store"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	cfg.ConfigureLogging()

	// Initialize SQLite Store
	sqliteStore, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize SQLite store")
	}
	defer sqliteStore.Close()

	server := NewServer(sqliteStore,
		ledger.WithDefaults(cfg.Defaults),
		ledger.WithMaxRetries(cfg.MaxWriteRetries),
		ledger.WithWriteOffAfter(cfg.WriteOffAfterDays),
	)

	cronLogger := cron.PrintfLogger(log.StandardLogger())
	scheduler := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := scheduler.AddFunc(cfg.OverdueRefreshSchedule, server.refreshOverdue); err != nil {
		log.WithError(err).Fatal("Failed to schedule overdue refresh")
	}
	scheduler.Start()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.WithField("addr", httpServer.Addr).Info("Server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Server stopped")
			quit <- syscall.SIGTERM
		}
	}()

	<-quit
	log.Info("Shutting down server...")

	<-scheduler.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Graceful shutdown failed")
	}
}
