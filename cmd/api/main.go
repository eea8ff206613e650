package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/mcclellann/emiledger/pkg/config"
	"github.com/mcclellann/emiledger/pkg/events"
	"github.com/mcclellann/emiledger/pkg/ledger"
	"github.com/mcclellann/emiledger/pkg/store"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()

	sqliteStore, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Fatalf("Failed to initialize SQLite store: %v", err)
	}
	defer sqliteStore.Close()

	var sink events.Sink
	if cfg.RedisURL != "" {
		redisSink, err := events.NewRedisSink(cfg.RedisURL, cfg.EventChannel)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis event sink: %v", err)
		}
		defer redisSink.Close()
		sink = redisSink
		logger.WithField("channel", cfg.EventChannel).Info("publishing events to Redis")
	} else {
		sink = events.NewLogSink(logger)
	}

	loanLedger := ledger.NewLedger(sqliteStore, sink, logger)
	server := NewServer(sqliteStore, loanLedger, logger)

	// Periodic replay of every ledger against the stored loan counters. The
	// stored fields stay the read path; the replay only reports divergence.
	c := cron.New()
	if _, err := c.AddFunc(cfg.AuditSchedule, func() {
		if _, err := loanLedger.RunConsistencyAudit(context.Background()); err != nil {
			logger.WithError(err).Error("consistency audit failed")
		}
	}); err != nil {
		logger.Fatalf("Invalid audit schedule %q: %v", cfg.AuditSchedule, err)
	}
	c.Start()
	defer c.Stop()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if err := httpServer.Shutdown(context.Background()); err != nil {
		logger.Errorf("Shutdown error: %v", err)
	}
}
