package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"simonkey-backend-go/internal/cache"
	"simonkey-backend-go/internal/config"
	"simonkey-backend-go/internal/db"
	"simonkey-backend-go/internal/docstore"
	httpapi "simonkey-backend-go/internal/http"
	"simonkey-backend-go/internal/jobs"
	"simonkey-backend-go/internal/kpi"
	"simonkey-backend-go/internal/logging"
	"simonkey-backend-go/internal/migrations"
	"simonkey-backend-go/internal/services"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	cleanupLogs, err := logging.SetupFile(cfg.LogDir, cfg.LogRetention)
	if err != nil {
		log.Printf("logger setup failed: %v", err)
	} else {
		defer cleanupLogs()
	}
	logger, flush := logging.New(logging.Options{
		Env:          cfg.Env,
		RollbarToken: cfg.RollbarToken,
		CodeVersion:  cfg.CodeVersion,
	})
	defer flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	snapshots, locker, closeRedis := openCache(ctx, cfg, logger)
	defer closeRedis()

	hub := services.NewKPIHub()
	go hub.Run(ctx)

	aggregator := kpi.New(store, kpi.Options{
		Logger:                logger,
		Location:              cfg.Location(),
		PeerConcurrency:       cfg.KPIPeerConcurrency,
		StudentSnapshotMaxAge: cfg.KPIStudentSnapshotMaxAge,
		RepairLinks:           cfg.KPIRepairLinks,
	})
	kpis := &services.KPIService{Aggregator: aggregator, Cache: snapshots, Hub: hub, Logger: logger}
	runs := &services.JobRuns{Store: store, DiskPath: "/"}

	sweeper := jobs.NewFreezeSweeper(store, logger, cfg.FreezeBatchSize)
	scheduler := jobs.NewScheduler(sweeper, locker, runs, logger, cfg.FreezeSweepInterval, cfg.FreezeSweepTimeout)
	scheduler.Start(ctx)

	server := httpapi.NewServer(cfg, store, kpis, runs, scheduler, logger)
	addr := ":" + cfg.Port
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	go func() {
		logger.Infof("listening on %s (store=%s)", addr, cfg.StoreDriver)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("server: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	cancel()
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownWindow)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
	logger.Infof("shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config, logger logging.Logger) (docstore.Store, func()) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warnf("using in-memory document store; data is lost on exit")
		return docstore.NewMemoryStore(), func() {}
	}
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := migrations.Apply(ctx, database); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	return docstore.NewPostgresStore(database), func() { _ = database.Close() }
}

// openCache falls back to in-process implementations when REDIS_ADDR is unset
// or unreachable at startup.
func openCache(ctx context.Context, cfg config.Config, logger logging.Logger) (cache.Snapshots, cache.Locker, func()) {
	if cfg.RedisAddr == "" {
		return cache.Nop{}, cache.NewLocalLocker(), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warnf("redis %s unavailable, using local cache: %v", cfg.RedisAddr, err)
		_ = client.Close()
		return cache.Nop{}, cache.NewLocalLocker(), func() {}
	}
	return cache.NewRedisSnapshots(client, cfg.CacheTTL), cache.NewRedisLocker(client), func() { _ = client.Close() }
}
