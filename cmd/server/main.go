package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Brownie44l1/malaria-api/internal/config"
	"github.com/Brownie44l1/malaria-api/internal/handlers"
	"github.com/Brownie44l1/malaria-api/internal/metrics"
	"github.com/Brownie44l1/malaria-api/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func main() {
	started := time.Now()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	log := newLogger(cfg.LogLevel)
	log.Infof("Loading malaria detection model from: %s", cfg.ModelPath)

	modelServer, err := model.NewServer(model.Options{
		ModelPath:      cfg.ModelPath,
		MetadataPath:   cfg.MetadataPath,
		LibraryPath:    cfg.LibraryPath,
		PoolSize:       cfg.PoolSize,
		AcquireTimeout: cfg.AcquireTimeout,
		Logger:         log,
	})
	if err != nil {
		log.Fatalf("Model loading failed: %v", err)
	}
	defer modelServer.Close()

	m := metrics.New(prometheus.NewRegistry())
	m.ObservePool(modelServer.Stats)

	handler := handlers.NewHandler(modelServer, handlers.Options{
		FrontendDir:    cfg.FrontendDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxPixels:      cfg.MaxPixels,
		ModelName:      filepath.Base(cfg.ModelPath),
		Logger:         log,
		Metrics:        m,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handlers.NewRouter(handler, cfg.CORS),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  2 * cfg.ReadTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":     srv.Addr,
			"frontend": cfg.FrontendDir,
			"input":    modelServer.Input(),
			"outputs":  modelServer.OutputUnits(),
		}).Info("Server starting")
		log.Info("Endpoints:")
		log.Info("  GET  /          - Frontend")
		log.Info("  GET  /health    - Health check")
		log.Info("  GET  /metrics   - Prometheus metrics")
		log.Info("  POST /predict/  - Classify an uploaded cell image (field: file)")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Server failed: %v", err)
			modelServer.Close()
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Graceful shutdown failed: %v", err)
		}
	}

	log.WithField("uptime", time.Since(started).Round(time.Second)).Info("Server stopped")
}
