package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetResult retrieves a cached analysis keyed by dataset fingerprint.
	// Returns nil, nil on miss.
	GetResult(ctx context.Context, tenantID string, fingerprint string) (*AnalysisRecord, error)

	// SetResult caches a finished analysis under its dataset fingerprint.
	SetResult(ctx context.Context, tenantID string, fingerprint string, rec *AnalysisRecord, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for per-tenant submission rate limiting.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `koanf:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `koanf:"localmaxsize"`
	LocalTTL     time.Duration `koanf:"localttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `koanf:"redisaddr"`
	RedisPassword string `koanf:"redispassword"`
	RedisDB       int    `koanf:"redisdb"`

	// How long finished analyses stay cached by fingerprint
	ResultTTL time.Duration `koanf:"resultttl"`

	// Two-phase settings
	EnableTwoPhase bool `koanf:"enabletwophase"` // If true, check local first, then Redis
}
