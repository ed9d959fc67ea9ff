// Command coordinator runs the grading coordination server: it owns the
// task catalog, the artifact store and all sessions, and serves the
// identification and marking queues over HTTPS.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/openmark/coordinator/internal/api"
	"github.com/openmark/coordinator/internal/authority"
	"github.com/openmark/coordinator/internal/catalog"
	"github.com/openmark/coordinator/internal/config"
	"github.com/openmark/coordinator/internal/exam"
	"github.com/openmark/coordinator/internal/metrics"
	"github.com/openmark/coordinator/internal/progress"
	"github.com/openmark/coordinator/internal/queue"
	"github.com/openmark/coordinator/internal/store"
	"github.com/openmark/coordinator/internal/users"
)

// Exit codes, so an init system can tell a bad config from bad storage.
const (
	exitConfig  = 2
	exitStorage = 3
	exitServer  = 4
)

func main() {
	configPath := flag.String("config", "coordinator.yaml", "path to the server configuration")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logger)

	// A .env alongside the binary is optional; the environment wins over
	// the config file either way.
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("loading configuration")
		os.Exit(exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		os.Exit(exitConfig)
	}

	spec, err := exam.Load(cfg.Paths.ExamSpec)
	if err != nil {
		log.WithError(err).Error("loading exam spec")
		os.Exit(exitConfig)
	}
	log.WithFields(logrus.Fields{
		"exam":     spec.Name,
		"versions": spec.NumberOfVersions,
		"pages":    spec.NumberOfPages,
	}).Info("exam spec loaded")

	artifacts, err := store.New(cfg.Paths.Artifacts, log)
	if err != nil {
		log.WithError(err).Error("opening artifact store")
		os.Exit(exitStorage)
	}

	cat, err := catalog.Open(cfg.Paths.Database, spec, log)
	if err != nil {
		log.WithError(err).Error("opening catalog")
		os.Exit(exitStorage)
	}
	defer cat.Close()

	auth := authority.New(cfg.Auth.MasterToken, cfg.Auth.BcryptCost, log)
	registry := users.NewRegistry(cfg.Paths.UserList, auth, cat, log)
	if err := registry.Load(); err != nil {
		log.WithError(err).Error("loading user list")
		os.Exit(exitStorage)
	}

	promRegistry := prometheus.NewRegistry()
	server := api.New(api.Deps{
		Log:           log,
		Auth:          auth,
		Users:         registry,
		Catalog:       cat,
		IDs:           queue.NewIDQueue(cat),
		Marks:         queue.NewMarkQueue(cat),
		Progress:      progress.New(cat),
		Store:         artifacts,
		Spec:          spec,
		Metrics:       metrics.New(promRegistry),
		Gatherer:      promRegistry,
		ClasslistPath: cfg.Paths.Classlist,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Addr()).Info("coordinator listening")
		errCh <- srv.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
	}()

	select {
	case err := <-errCh:
		log.WithError(err).Error("server failed")
		os.Exit(exitServer)
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown did not complete cleanly")
		}
	}
}
