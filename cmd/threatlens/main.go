package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"threatlens/config"
	"threatlens/internal/api"
	"threatlens/internal/broadcast"
	inputredis "threatlens/internal/input/redis"
	"threatlens/internal/lifecycle"
	"threatlens/internal/logger"
	"threatlens/internal/normalize"
	"threatlens/internal/output/incidentjson"
	"threatlens/internal/pipeline"
	"threatlens/internal/query"
	"threatlens/internal/riskfeed"
	"threatlens/internal/score"
	"threatlens/internal/timeline"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("threatlens.yml"); err == nil {
		return "threatlens.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "threatlens.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "threatlens.yml"
}

func applyDefaults(cfg *config.Config) {
	if cfg.ThreatLens.Input.Redis.Addr == "" {
		cfg.ThreatLens.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.ThreatLens.Input.Redis.Key == "" {
		cfg.ThreatLens.Input.Redis.Key = "security_events"
	}
	if cfg.ThreatLens.Input.Redis.BlockTimeout == 0 {
		cfg.ThreatLens.Input.Redis.BlockTimeout = 5 * time.Second
	}

	if cfg.ThreatLens.Pipeline.Workers <= 0 {
		cfg.ThreatLens.Pipeline.Workers = 8
	}
	if cfg.ThreatLens.Pipeline.QueueSize <= 0 {
		cfg.ThreatLens.Pipeline.QueueSize = cfg.ThreatLens.Pipeline.Workers * 4
	}

	if cfg.ThreatLens.Ingest.MaxFutureSkew <= 0 {
		cfg.ThreatLens.Ingest.MaxFutureSkew = 24 * time.Hour
	}

	if cfg.ThreatLens.Retention.Window <= 0 {
		cfg.ThreatLens.Retention.Window = 30 * 24 * time.Hour
	}
	if cfg.ThreatLens.Retention.SweepInterval <= 0 {
		cfg.ThreatLens.Retention.SweepInterval = time.Hour
	}

	if cfg.ThreatLens.RiskFeed.RefreshInterval <= 0 {
		cfg.ThreatLens.RiskFeed.RefreshInterval = 30 * time.Second
	}
	if cfg.ThreatLens.RiskFeed.MaxAge <= 0 {
		cfg.ThreatLens.RiskFeed.MaxAge = 5 * time.Minute
	}

	if cfg.ThreatLens.Broadcast.QueueSize <= 0 {
		cfg.ThreatLens.Broadcast.QueueSize = 256
	}

	if cfg.ThreatLens.Audit.Path == "" {
		cfg.ThreatLens.Audit.Path = "output/incident_audit.jsonl"
	}

	if cfg.ThreatLens.API.Addr == "" {
		cfg.ThreatLens.API.Addr = "0.0.0.0:8080"
	}

	if cfg.ThreatLens.Logging.Level == "" {
		cfg.ThreatLens.Logging.Level = "info"
	}
}

func main() {
	configArg := ""
	if len(os.Args) > 1 {
		configArg = os.Args[1]
	}
	configPath := findConfigFile(configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)

	if err := logger.Init(cfg.ThreatLens.Logging.Enabled, cfg.ThreatLens.Logging.Level, cfg.ThreatLens.Logging.File, cfg.ThreatLens.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Infof("ThreatLens starting")
	logger.Infof("Config loaded from: %s", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var feed score.RiskFeed
	var redisFeed *riskfeed.RedisFeed
	if cfg.ThreatLens.RiskFeed.Enabled {
		redisFeed, err = riskfeed.NewRedisFeed(riskfeed.Config{
			Addr:            cfg.ThreatLens.RiskFeed.Addr,
			Password:        cfg.ThreatLens.RiskFeed.Password,
			DB:              cfg.ThreatLens.RiskFeed.DB,
			Key:             cfg.ThreatLens.RiskFeed.Key,
			RefreshInterval: cfg.ThreatLens.RiskFeed.RefreshInterval,
			MaxAge:          cfg.ThreatLens.RiskFeed.MaxAge,
		})
		if err != nil {
			// The scorer must keep working without the external feed.
			logger.Warnf("Risk feed unavailable, falling back to local heuristic: %v", err)
		} else {
			feed = redisFeed
			go redisFeed.Run(ctx)
			logger.Infof("Risk feed enabled (%s)", cfg.ThreatLens.RiskFeed.Addr)
		}
	}

	normalizer := normalize.New(normalize.Config{MaxFutureSkew: cfg.ThreatLens.Ingest.MaxFutureSkew})
	scorer := score.New(feed)
	manager := lifecycle.NewManager(scorer)
	aggregator := timeline.New(timeline.Config{
		Window:        cfg.ThreatLens.Retention.Window,
		SweepInterval: cfg.ThreatLens.Retention.SweepInterval,
	})
	broadcaster := broadcast.New(cfg.ThreatLens.Broadcast.QueueSize)

	consumer, err := inputredis.NewConsumer(inputredis.Config{
		Addr:         cfg.ThreatLens.Input.Redis.Addr,
		Password:     cfg.ThreatLens.Input.Redis.Password,
		DB:           cfg.ThreatLens.Input.Redis.DB,
		Key:          cfg.ThreatLens.Input.Redis.Key,
		BlockTimeout: cfg.ThreatLens.Input.Redis.BlockTimeout,
	})
	if err != nil {
		logger.Errorf("Failed to create Redis consumer: %v", err)
		log.Fatalf("Failed to create Redis consumer: %v", err)
	}

	pipe := pipeline.New(normalizer, manager, aggregator, broadcaster, consumer, pipeline.Config{
		Workers:   cfg.ThreatLens.Pipeline.Workers,
		QueueSize: cfg.ThreatLens.Pipeline.QueueSize,
	})

	var audit *incidentjson.Writer
	if cfg.ThreatLens.Audit.Enabled {
		audit, err = incidentjson.NewWriter(cfg.ThreatLens.Audit.Path)
		if err != nil {
			logger.Errorf("Failed to create audit writer: %v", err)
			log.Fatalf("Failed to create audit writer: %v", err)
		}
		go audit.Pump(ctx, broadcaster.Subscribe())
	}

	engine := query.New(manager, aggregator)
	server := api.NewServer(cfg.ThreatLens.API.Addr, engine, pipe, manager, broadcaster)
	if err := server.Start(); err != nil {
		logger.Errorf("Failed to start API server: %v", err)
		log.Fatalf("Failed to start API server: %v", err)
	}
	logger.Infof("API listening on %s", cfg.ThreatLens.API.Addr)

	go func() {
		if err := pipe.Run(ctx); err != nil && err != context.Canceled {
			logger.Errorf("Pipeline error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("Shutting down")
	cancel()
	time.Sleep(1 * time.Second)

	if err := server.Stop(); err != nil {
		logger.Errorf("Error stopping API server: %v", err)
	}
	if err := pipe.Close(); err != nil {
		logger.Errorf("Error closing pipeline: %v", err)
	}
	if audit != nil {
		if err := audit.Close(); err != nil {
			logger.Errorf("Error closing audit writer: %v", err)
		}
	}
	if redisFeed != nil {
		if err := redisFeed.Close(); err != nil {
			logger.Errorf("Error closing risk feed: %v", err)
		}
	}

	logger.Infof("ThreatLens stopped")
}
