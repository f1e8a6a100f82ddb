package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tryon/internal/domain"
	"tryon/internal/infra"
)

const keyPrefix = "ai-gen"

// DefaultTTL matches the original seven-day retention for cached results.
const DefaultTTL = 7 * 24 * time.Hour

// ResultCache deduplicates generations: identical parameters resolve to the
// previously produced artifact URL instead of a new provider call. The cache
// is an optimization only; every failure degrades to a miss.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
	logger infra.Logger
}

// New constructs a ResultCache. A non-positive ttl falls back to DefaultTTL.
func New(client *redis.Client, ttl time.Duration, logger infra.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResultCache{client: client, ttl: ttl, logger: logger}
}

// Fingerprint derives the deterministic cache key for one parameter set.
// The prompt is case- and whitespace-insensitive.
func Fingerprint(prompt, modelType, quality string, width, height int) string {
	normalized := fmt.Sprintf("%s:%s:%dx%d:%s",
		modelType, quality, width, height,
		strings.ToLower(strings.TrimSpace(prompt)),
	)
	sum := sha256.Sum256([]byte(normalized))
	return keyPrefix + ":" + hex.EncodeToString(sum[:])[:16]
}

// Get returns the cached result URL for a fingerprint, or "" on miss.
func (c *ResultCache) Get(ctx context.Context, fingerprint string) string {
	if c == nil || c.client == nil {
		return ""
	}
	url, err := c.client.Get(ctx, fingerprint).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", fingerprint).Msg("cache: get failed")
		}
		return ""
	}
	return url
}

// StoreResult caches the artifact of a finalized generation under its
// parameter fingerprint.
func (c *ResultCache) StoreResult(ctx context.Context, gen *domain.Generation) {
	if gen == nil || gen.ResultURL == "" {
		return
	}
	fp := Fingerprint(gen.Prompt, gen.ModelType, gen.Quality, gen.Width, gen.Height)
	c.Set(ctx, fp, gen.ResultURL)
}

// Set stores a result URL under a fingerprint. Errors are logged, never fatal.
func (c *ResultCache) Set(ctx context.Context, fingerprint, resultURL string) {
	if c == nil || c.client == nil || resultURL == "" {
		return
	}
	if err := c.client.Set(ctx, fingerprint, resultURL, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", fingerprint).Msg("cache: set failed")
	}
}
