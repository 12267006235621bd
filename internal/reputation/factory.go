package reputation

import (
	"context"
	"fmt"
	"log"
)

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend       string `yaml:"backend"` // "memory" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// NewStore creates the configured backend. Empty backend means memory.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("reputation store: redis backend requires redis_addr")
		}
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "memory", "":
		return NoopStore{}, nil
	default:
		return nil, fmt.Errorf("reputation store: unknown backend %q", cfg.Backend)
	}
}

// NewCacheFromConfig builds the cache, warming it from the store when
// one is configured. Load failures degrade to a cold cache.
func NewCacheFromConfig(ctx context.Context, cfg StoreConfig) (*Cache, error) {
	store, err := NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cache := NewCache(store)
	records, err := store.LoadAll(ctx)
	if err != nil {
		log.New(log.Writer(), "[REPUTATION] ", log.LstdFlags).Printf("cold start, load failed: %v", err)
		return cache, nil
	}
	if len(records) > 0 {
		cache.Warm(records)
	}
	return cache, nil
}
