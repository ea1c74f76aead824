package main

import (
	"context"
	"log"
	"os"
	"time"

	"aichatgo/internal/api"
	"aichatgo/internal/auth"
	"aichatgo/internal/cleanup"
	"aichatgo/internal/config"
	"aichatgo/internal/ratelimit"
	"aichatgo/internal/redis"
	"aichatgo/internal/service/ai"
	"aichatgo/internal/service/chat"
	"aichatgo/internal/service/files"
	"aichatgo/internal/service/settings"
	"aichatgo/internal/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("AICHATGO_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("AICHATGO_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: users, tokens, conversations, messages, blobs, settings
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// Redis is optional: without it token validation hits the database and the
	// rate limiter falls back to a single-instance in-memory window.
	var cache *redis.Client
	if cfg.Redis.Host != "" {
		cache, err = redis.NewClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer cache.Close()
	}

	rateLimit := cfg.BasicConfig.RateLimitPerWindow
	if rateLimit <= 0 {
		rateLimit = 100
	}
	rateWindow := time.Duration(cfg.BasicConfig.RateWindowMinutes) * time.Minute
	if rateWindow <= 0 {
		rateWindow = time.Minute
	}
	var limiter ratelimit.Limiter
	if cache != nil {
		limiter = ratelimit.NewRedisLimiter(cache, rateLimit, rateWindow)
	} else {
		limiter = ratelimit.NewMemoryLimiter(rateLimit, rateWindow)
	}

	chatService := chat.NewService(db)
	settingsService, err := settings.NewService(db)
	if err != nil {
		log.Fatalf("init settings service: %v", err)
	}
	fileBase := cfg.BasicConfig.FileBaseDir
	if fileBase == "" {
		fileBase = "./data/uploads"
	}
	fileStore := files.NewStore(db, fileBase, cfg.BasicConfig.PublicBaseURL)
	pipeline := ai.NewPipeline(chatService, settingsService, fileStore, limiter, cfg.BasicConfig.StreamBatchSize)
	authService := auth.NewService(db, cache, 24*time.Hour)

	cleanCtx, cleanCancel := context.WithCancel(context.Background())
	defer cleanCancel()
	retention := time.Duration(cfg.BasicConfig.RetentionDays) * 24 * time.Hour
	cleanInterval := time.Duration(cfg.BasicConfig.CleanupIntervalMinutes) * time.Minute
	cleaner := cleanup.NewCleaner(chatService, fileStore, retention, cleanInterval)
	cleaner.Start(cleanCtx)

	handlers := api.NewHandler(chatService, settingsService, fileStore, pipeline, authService)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
