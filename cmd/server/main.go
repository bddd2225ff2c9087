package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/xivmarket/market-board/internal/api"
	"github.com/xivmarket/market-board/internal/cache"
	"github.com/xivmarket/market-board/internal/config"
	"github.com/xivmarket/market-board/internal/gamedata"
	"github.com/xivmarket/market-board/internal/market"
	"github.com/xivmarket/market-board/internal/metrics"
	"github.com/xivmarket/market-board/internal/store"
	"github.com/xivmarket/market-board/internal/upload"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Game data tables ---
	var gd gamedata.GameData
	if cfg.GameDataPath != "" {
		static, err := gamedata.LoadFile(cfg.GameDataPath)
		if err != nil {
			slog.Error("game data load failed", "path", cfg.GameDataPath, "err", err)
			os.Exit(1)
		}
		gd = static
		slog.Info("game data loaded", "path", cfg.GameDataPath)
	} else {
		slog.Warn("GAME_DATA_PATH not set, using built-in development tables")
		gd = devGameData()
	}
	w2dr := gamedata.NewWorldToDcRegion(gd)

	sink := metrics.NewPrometheusSink()

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Redis aggregate caches ---
	// The derived aggregates (min listing, trade velocity, recent sales)
	// live only here, so the cache is not optional.
	if cfg.Redis.URL == "" {
		slog.Error("REDIS_URL is required")
		os.Exit(1)
	}
	master, err := newRedisClient(cfg.Redis.URL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, func() { master.Close() })

	replicas := make([]redis.Cmdable, 0, len(cfg.Redis.ReplicaURLs))
	for _, url := range cfg.Redis.ReplicaURLs {
		replica, err := newRedisClient(url)
		if err != nil {
			slog.Error("invalid replica URL", "url", url, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { replica.Close() })
		replicas = append(replicas, replica)
	}
	router := cache.NewRouter(master, replicas...)
	slog.Info("redis connected", "replicas", router.ReplicaCount())

	// --- Durable stores ---
	var (
		durableListings store.ListingStore
		durableSales    store.SaleStore
		durableItems    store.MarketItemStore
	)
	if cfg.DB.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DB.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		durableListings = store.NewPostgresListingStore(pool, sink, logger)
		durableSales = store.NewPostgresSaleStore(pool, sink, logger)
		durableItems = store.NewPostgresMarketItemStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory stores (data will not persist)")
		durableListings = store.NewMemoryListingStore()
		durableSales = store.NewMemorySaleStore()
		durableItems = store.NewMemoryMarketItemStore()
	}

	// --- Cache and throttle decorators ---
	listings := store.NewCachedListingStore(durableListings, router, w2dr, sink, logger)
	sales := store.NewCachedSaleStore(
		store.NewThrottledSaleStore(durableSales, cfg.Sales.ReadConcurrency, sink),
		router, w2dr, sink, logger)
	items := store.NewCachedMarketItemStore(durableItems, router, sink, logger)
	uploadRanks := store.NewRedisWorldItemUploadStore(router)

	// --- Compositions and engine ---
	shown := store.NewCurrentlyShownStore(listings, uploadRanks)
	history := store.NewHistoryStore(sales, items)
	engine := market.NewEngine(shown, history, listings, sales, gd, w2dr, logger)

	// --- Realtime feed and ingestion ---
	hub := api.NewHub()
	go hub.Run()
	ingester := upload.NewIngester(shown, history, hub, logger)

	handler := api.NewHandler(engine, uploadRanks, ingester, gd, hub, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-board"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/api/v2", handler.Routes())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-board listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down market-board...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-board stopped")
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

// devGameData is a small fixed table for local runs without a game data
// dump: two data centers in one region, five worlds, and a handful of
// marketable items.
func devGameData() gamedata.GameData {
	return &gamedata.Static{
		Worlds: map[int]string{
			74: "Coeurl", 75: "Malboro", 91: "Balmung", 97: "Mateus", 99: "Goblin",
		},
		Dcs: []gamedata.DataCenter{
			{Name: "Crystal", Region: "North-America", WorldIDs: []int{74, 91, 97}},
			{Name: "Aether", Region: "North-America", WorldIDs: []int{75, 99}},
		},
		Marketable: map[int]struct{}{
			2: {}, 5: {}, 5057: {}, 5333: {}, 44162: {},
		},
	}
}
