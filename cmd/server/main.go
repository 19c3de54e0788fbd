package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/chanwatch/backend/internal/accounts"
	"github.com/chanwatch/backend/internal/config"
	"github.com/chanwatch/backend/internal/database"
	"github.com/chanwatch/backend/internal/fcm"
	"github.com/chanwatch/backend/internal/handlers"
	"github.com/chanwatch/backend/internal/idcache"
	"github.com/chanwatch/backend/internal/invites"
	"github.com/chanwatch/backend/internal/logging"
	"github.com/chanwatch/backend/internal/middleware"
	"github.com/chanwatch/backend/internal/replies"
	"github.com/chanwatch/backend/internal/sites"
	"github.com/chanwatch/backend/internal/watcher"
	"github.com/chanwatch/backend/internal/watches"
)

const (
	fcmDispatchInterval = 15 * time.Second
	shutdownTimeout     = 15 * time.Second
)

func main() {
	// Missing .env is fine in production, env vars are set directly.
	_ = godotenv.Load()

	logging.Setup(os.Getenv("DEBUG") == "true")

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Connect(cfg.DatabaseConnectionString)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		logrus.WithError(err).Fatal("database is unreachable")
	}
	if err := db.Migrate(ctx); err != nil {
		logrus.WithError(err).Fatal("failed to run migrations")
	}

	persister := logging.NewPersister(db)
	persister.Start(ctx)

	ids := idcache.New()
	if err := ids.WarmUp(ctx, db.DB()); err != nil {
		logrus.WithError(err).Fatal("failed to warm up the descriptor cache")
	}

	accountStore := accounts.NewStore(db)
	watchStore := watches.NewStore(db, ids, accountStore)
	replyStore := replies.NewStore(db, ids)
	threadStore := watcher.NewThreadStore(db)
	inviteStore := invites.NewStore(db, accountStore)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	registry := sites.DefaultRegistry(httpClient)

	threadWatcher := watcher.New(db, ids, watchStore, replyStore, threadStore, registry,
		time.Duration(cfg.ThreadWatcherTimeoutSeconds)*time.Second)
	threadWatcher.Start(ctx)

	fcmClient := fcm.NewClient(cfg.FirebaseAPIKey, httpClient)
	dispatcher := fcm.NewDispatcher(replyStore, registry, fcmClient,
		cfg.ApplicationType, int64(cfg.FCMChunkSize), fcmDispatchInterval)
	dispatcher.Start(ctx)

	inviteStore.StartCleanup(ctx)

	throttler := middleware.NewThrottler(cfg.ThrottleLimits, cfg.TestMode)
	throttler.StartResetter()

	api := handlers.New(accountStore, watchStore, replyStore, inviteStore,
		persister, dispatcher, registry, cfg.ApplicationType)

	router := mux.NewRouter()
	router.Use(middleware.RequestLogger, throttler.Middleware)
	api.Register(router)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logrus.WithField("port", cfg.Port).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("server shutdown failed")
	}

	threadWatcher.Stop()
	dispatcher.Stop()
	inviteStore.Stop()
	throttler.Stop()
	cancel()
	persister.Stop(shutdownCtx)
}
