package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"remark/api/internal/app"
	"remark/api/internal/authpw"
	"remark/api/internal/avatar"
	"remark/api/internal/config"
	"remark/api/internal/reconcile"
	"remark/api/internal/session"
	"remark/api/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	accounts := authpw.NewService(dataStore)

	var avatars *avatar.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		avatars, err = avatar.NewService(avatar.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			log.Fatalf("avatar storage failed: %v", err)
		}
		if err := avatars.EnsureBucket(ctx); err != nil {
			log.Fatalf("avatar bucket failed: %v", err)
		}
	} else {
		log.Printf("Avatar storage disabled (MINIO_ENDPOINT not set)")
	}

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		service = app.NewWithSessionStore(cfg, dataStore, redisStore, accounts)
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
		service = app.New(cfg, dataStore, accounts)
	}
	if avatars != nil {
		service.UseAvatarStore(avatars)
	}

	reconciler := reconcile.New(dataStore)
	var runner *reconcile.Runner
	if cfg.ReconcileInterval > 0 {
		runner = reconcile.NewRunner(reconciler, cfg.ReconcileInterval, cfg.ReconcileBatchSize)
		runner.Start()
		log.Printf("Counter reconciliation running every %s", cfg.ReconcileInterval)
	}

	httpServer := app.NewHTTPServer(service, reconciler, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Remark API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if runner != nil {
		runner.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
