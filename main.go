package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eplustv/work/cache"
	"eplustv/work/client"
	"eplustv/work/config"
	"eplustv/work/database"
	"eplustv/work/handlers"
	"eplustv/work/lifecycle"
	"eplustv/work/logger"
	"eplustv/work/middleware"
	"eplustv/work/parser"
	"eplustv/work/provider"
	"eplustv/work/scheduler"
	"eplustv/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()
	if cfg.Debug {
		logger.SetLogLevel("debug")
	}

	// open the schedule database
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Initialize HTTP client
	httpClient := client.NewHeaderSettingClient(cfg)

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// Initialize caches and rewriters
	segCache := cache.NewSegmentCache(cfg, httpClient)
	sessions := cache.NewSessionStore(cfg.SessionTTL)
	manifests := parser.NewManifestRewriter(cfg, httpClient, segCache, sessions)
	chunklists := parser.NewChunklistRewriter(cfg, httpClient, segCache, sessions)

	// Providers, harvester, scheduler
	registry := provider.NewRegistry()
	harvester := provider.NewHarvester(cfg, db, registry, workerPool)
	sched := scheduler.New(cfg, db)

	// Channel lifecycle manager
	manager := lifecycle.NewManager(cfg, db, registry, manifests, sessions, lifecycle.NewSupervisor(), workerPool)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A schedule built while linear channels were on is stale once they are
	// turned off; rebuild from scratch before serving.
	if !cfg.LinearChannels {
		if linear, err := db.LinearEntryCount(); err == nil && linear > 0 {
			logger.Info("{main.go - main} Linear channels disabled, rebuilding schedule")
			if err := sched.Rebuild(); err != nil {
				logger.Error("{main.go - main} Schedule rebuild failed: %v", err)
			}
		}
	}

	// Harvest loop runs a pass immediately, then on the configured cadence.
	// Every pass hands the fresh entries to the scheduler.
	go harvester.Start(ctx, func() {
		if err := sched.Run(); err != nil {
			logger.Error("{main.go - main} Scheduling pass failed: %v", err)
		}
	})
	defer harvester.Stop()

	// Deferred entries get another shot whenever earlier events free up
	// channel slots between harvests.
	go func() {
		ticker := time.NewTicker(cfg.SchedulerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sched.Run(); err != nil {
					logger.Error("{main.go - main} Scheduling pass failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	manager.Start(ctx)
	defer manager.Stop()

	// Setup HTTP routes
	app := &handlers.App{
		Config:     cfg,
		Cache:      segCache,
		Chunklists: chunklists,
		Lifecycle:  manager,
	}
	router := mux.NewRouter()

	// Master playlist per channel
	router.HandleFunc("/channels/{channel}.m3u8", middleware.GzipMiddleware(handlers.HandleChannelPlaylist(app))).Methods("GET")

	// Rewritten media playlists
	router.HandleFunc("/channels/{channel}/{id}.m3u8", middleware.GzipMiddleware(handlers.HandleChunklist(app))).Methods("GET")

	// Proxied segments and decryption keys
	router.HandleFunc("/channels/{channel}/slate.ts", handlers.HandleSlateSegment(app)).Methods("GET")
	router.HandleFunc("/channels/{channel}/{id}.ts", handlers.HandlePart(app)).Methods("GET")
	router.HandleFunc("/channels/{channel}/{id}.key", handlers.HandlePart(app)).Methods("GET")

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	logger.Info("Starting EPlusTV %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Channels: %d starting at %d", cfg.NumChannels, cfg.StartChannel)
	logger.Info("  - Quality: %s", cfg.Quality)
	logger.Info("  - Cache Budget: %s", utils.FormatBytes(cfg.CacheBudgetBytes()))
	logger.Info("  - Proxy Segments: %v", cfg.ProxySegments)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Harvest Interval: %s", cfg.HarvestInterval)
	logger.Info("  - Idle Timeout: %s", cfg.IdleTimeout)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	server := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	// fire us up
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

}
