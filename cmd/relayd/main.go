package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lunchconnect/groupchat/internal/ratelimit"
	"github.com/lunchconnect/groupchat/internal/relay"
)

func main() {
	config := relay.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	config.TokenSecret = os.Getenv("TOKEN_SECRET")
	if config.TokenSecret == "" {
		log.Fatal("TOKEN_SECRET is required")
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- NATS ---
	bridgeConfig := relay.DefaultBridgeConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		bridgeConfig.URL = natsURL
	}
	bridge, err := relay.NewBridge(bridgeConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis (presence + rate limiting) ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	presence, err := relay.NewPresence(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(presence.Client())

	// --- Postgres (message archive) ---
	var archive *relay.Archive
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		migrationsDir := os.Getenv("MIGRATIONS_DIR")
		if migrationsDir == "" {
			migrationsDir = "migrations"
		}
		archive, err = relay.OpenArchive(dsn, migrationsDir)
		if err != nil {
			log.Fatalf("failed to open archive: %v", err)
		}
	} else {
		log.Printf("POSTGRES_DSN not set; history will be served from the in-memory cache only")
	}

	log.Printf("LunchConnect relay starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  nats_url:        %s", bridgeConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  archive:         %v", archive != nil)

	server := relay.NewServer(config, relay.Deps{
		Bridge:   bridge,
		Presence: presence,
		Limiter:  limiter,
		Archive:  archive,
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		bridge.Close()
		if archive != nil {
			if err := archive.Close(); err != nil {
				log.Printf("archive close error: %v", err)
			}
		}
		if err := presence.Close(); err != nil {
			log.Printf("presence close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
