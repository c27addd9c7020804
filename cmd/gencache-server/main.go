// Command gencache-server runs the generation cache as a standalone
// service with an HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/developer-mesh/gencache/internal/api"
	"github.com/developer-mesh/gencache/pkg/auth"
	"github.com/developer-mesh/gencache/pkg/cache"
	"github.com/developer-mesh/gencache/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gencache-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the cache configuration file")
	listenAddr := flag.String("listen", "", "HTTP listen address (overrides GENCACHE_LISTEN_ADDR)")
	flag.Parse()

	// Local development convenience; a missing .env is not an error
	_ = godotenv.Load()

	logger := observability.NewLogger("gencache")

	config := cache.DefaultConfig()
	var loader *cache.ConfigLoader
	if *configPath != "" {
		loader = cache.NewConfigLoader(*configPath, logger.WithPrefix("gencache.config"))
		loaded, err := loader.Load()
		if err != nil {
			return err
		}
		config = loaded
	}
	if addr := os.Getenv("GENCACHE_REDIS_ADDR"); addr != "" {
		config.L2.Addr = addr
	}
	if password := os.Getenv("GENCACHE_REDIS_PASSWORD"); password != "" {
		config.L2.Password = password
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.L2.Addr,
		Password: config.L2.Password,
		DB:       config.L2.DB,
	})
	defer func() { _ = redisClient.Close() }()

	opts := cache.Options{
		Config:      config,
		RedisClient: redisClient,
		Logger:      logger.WithPrefix("gencache.cache"),
		Metrics:     observability.NewMetricsClient(),
	}

	// The pgvector index needs a database handle; everything else rides on
	// the in-memory index.
	if config.Similarity.Backend == "pgvector" {
		db, err := sqlx.Connect("postgres", config.Similarity.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer func() { _ = db.Close() }()

		if err := cache.MigratePgVector(db); err != nil {
			return err
		}
		index := cache.NewPgVectorIndex(db, config.Similarity, logger.WithPrefix("gencache.similarity"), opts.Metrics)

		probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = index.HealthCheck(probeCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("pgvector health check failed: %w", err)
		}
		opts.Index = index
	}

	c, err := cache.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := c.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Cache shutdown incomplete", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	if loader != nil {
		loader.Watch(func(updated *cache.Config) {
			if err := c.ApplyConfig(updated); err != nil {
				logger.Warn("Rejected config reload", map[string]interface{}{
					"error": err.Error(),
				})
			}
		})
	}

	secret := os.Getenv("GENCACHE_AUTH_SECRET")
	if secret == "" {
		return fmt.Errorf("GENCACHE_AUTH_SECRET is required")
	}

	serverConfig := api.DefaultConfig()
	if addr := os.Getenv("GENCACHE_LISTEN_ADDR"); addr != "" {
		serverConfig.ListenAddr = addr
	}
	if *listenAddr != "" {
		serverConfig.ListenAddr = *listenAddr
	}

	server := api.NewServer(c, auth.NewTokenVerifier(secret), serverConfig, logger.WithPrefix("gencache.api"))
	return server.Run(ctx)
}
