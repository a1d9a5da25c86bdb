package riskfeed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"threatlens/internal/logger"
)

// Config configures Redis access for the external risk score feed.
type Config struct {
	Addr            string
	Password        string
	DB              int
	Key             string
	RefreshInterval time.Duration
	MaxAge          time.Duration
}

// RedisFeed mirrors an upstream prediction service's per-source risk scores
// into memory. Scoring reads only the cache; Redis is touched solely by the
// background refresh loop, so a dead feed degrades to the local heuristic
// instead of stalling ingestion.
type RedisFeed struct {
	client          *redis.Client
	key             string
	refreshInterval time.Duration
	maxAge          time.Duration

	mu        sync.RWMutex
	scores    map[string]float64
	fetchedAt time.Time
}

// NewRedisFeed constructs a Redis-backed risk feed.
func NewRedisFeed(cfg Config) (*RedisFeed, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.Key) == "" {
		cfg.Key = "threatlens:risk_scores"
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis risk feed: %w", err)
	}

	return &RedisFeed{
		client:          client,
		key:             strings.TrimSpace(cfg.Key),
		refreshInterval: cfg.RefreshInterval,
		maxAge:          cfg.MaxAge,
		scores:          make(map[string]float64),
	}, nil
}

// Run refreshes the cache until ctx is cancelled.
func (f *RedisFeed) Run(ctx context.Context) {
	if err := f.refresh(ctx); err != nil {
		logger.Warnf("Risk feed initial refresh failed: %v", err)
	}

	ticker := time.NewTicker(f.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.refresh(ctx); err != nil {
				logger.Warnf("Risk feed refresh failed: %v", err)
			}
		}
	}
}

func (f *RedisFeed) refresh(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := f.client.HGetAll(reqCtx, f.key).Result()
	if err != nil {
		return fmt.Errorf("read risk scores hash %s: %w", f.key, err)
	}

	scores := make(map[string]float64, len(raw))
	for source, val := range raw {
		score, err := strconv.ParseFloat(val, 64)
		if err != nil {
			logger.Debugf("Skipping non-numeric risk score for %s: %q", source, val)
			continue
		}
		scores[source] = score
	}

	f.mu.Lock()
	f.scores = scores
	f.fetchedAt = time.Now()
	f.mu.Unlock()
	return nil
}

// AvgRiskScore returns the cached external score for a source. A cache older
// than MaxAge is treated as absent.
func (f *RedisFeed) AvgRiskScore(source string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.fetchedAt.IsZero() || time.Since(f.fetchedAt) > f.maxAge {
		return 0, false
	}
	score, ok := f.scores[source]
	return score, ok
}

// Close releases the Redis connection.
func (f *RedisFeed) Close() error {
	return f.client.Close()
}
