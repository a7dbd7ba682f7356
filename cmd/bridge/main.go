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

	"github.com/redis/go-redis/v9"

	"tblbridge/api/internal/app"
	"tblbridge/api/internal/bridge"
	"tblbridge/api/internal/config"
	"tblbridge/api/internal/relay"
	"tblbridge/api/internal/search"
	"tblbridge/api/internal/snapshot"
	"tblbridge/api/internal/store"
	"tblbridge/api/internal/syncsvc"
)

func main() {
	cfg := config.Load()
	if path := strings.TrimSpace(os.Getenv("BRIDGE_CONFIG")); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, store.Migrations); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	nodes := store.NewPostgresStore(db, cfg.NodeTable)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}

	var repo interface {
		snapshot.Repository
		Ping(ctx context.Context) error
	}
	switch cfg.SnapshotBackend {
	case "badger":
		log.Printf("Using Badger at %s for registry snapshots", cfg.BadgerDir)
		badgerRepo, err := snapshot.OpenBadger(cfg.BadgerDir)
		if err != nil {
			log.Fatalf("badger open failed: %v", err)
		}
		defer badgerRepo.Close()
		repo = badgerRepo
	default:
		log.Printf("Using Redis key %s for registry snapshots", cfg.SnapshotKey)
		repo = snapshot.NewRedisRepositoryWithClient(redisClient, cfg.SnapshotKey)
	}

	registry := bridge.New(
		bridge.WithLookup(nodes),
		bridge.WithDuplicateNames(cfg.Migration.AllowDuplicateNames),
	)
	service := syncsvc.New(registry, repo)
	report := service.Start(ctx)
	if report.Reconstituted {
		log.Printf("WARNING: registry reconstituted empty (%s); run a bulk sync to repopulate", report.Reason)
	}

	var backend search.Backend
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		backend = meiliClient
	}
	searchService := search.NewService(backend, service.All)
	service.Subscribe("search", searchService.Subscriber())
	go func() {
		if err := searchService.ReindexAll(ctx); err != nil {
			log.Printf("search: initial reindex: %v", err)
		}
	}()

	events := relay.New(redisClient, relay.WithChannels(cfg.NodeChannel, cfg.EventChannel))
	service.Subscribe("relay", events.Subscriber())
	consumer, err := events.Subscribe(ctx)
	if err != nil {
		log.Fatalf("relay subscribe failed: %v", err)
	}
	go func() {
		if err := consumer.Run(ctx, service); err != nil && err != context.Canceled {
			log.Printf("relay: consumer stopped: %v", err)
		}
	}()

	httpServer := app.NewHTTPServer(service,
		app.WithSearch(searchService),
		app.WithCheck("database", db.PingContext),
		app.WithCheck("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
		app.WithCheck("snapshot", repo.Ping),
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("TBL bridge listening on %s (%d records loaded)", cfg.Addr, report.Loaded)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
