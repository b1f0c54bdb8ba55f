// Package store persists deal snapshots through a cache backend so a
// restarted process can serve deals before the first poll completes.
package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"deal-aggregation-core/internal/cache"
	"deal-aggregation-core/internal/models"
)

const (
	dealsKey    = "deals_cache"
	metadataKey = "deals_metadata"
	maxCacheAge = 24 * time.Hour

	snapshotVersion = "1.0"
)

type snapshot struct {
	Deals     []models.Deal `json:"deals"`
	Timestamp int64         `json:"timestamp"`
	Version   string        `json:"version"`
}

// Metadata summarizes the last snapshot write.
type Metadata struct {
	LastUpdate int64 `json:"last_update"`
	Count      int   `json:"count"`
}

// LoadResult carries the cached deals with their staleness verdict.
type LoadResult struct {
	Deals   []models.Deal
	IsStale bool
	Age     time.Duration
}

// DealCache reads and writes deal snapshots through any cache backend.
type DealCache struct {
	log     *zap.SugaredLogger
	backend cache.Cache
}

// NewDealCache wraps the given backend.
func NewDealCache(backend cache.Cache, log *zap.SugaredLogger) *DealCache {
	return &DealCache{log: log, backend: backend}
}

// SaveDeals writes the snapshot and its metadata. Write failures are
// logged, not propagated; the cache is best-effort.
func (c *DealCache) SaveDeals(ctx context.Context, deals []models.Deal, now time.Time) {
	snap := snapshot{
		Deals:     deals,
		Timestamp: now.UnixMilli(),
		Version:   snapshotVersion,
	}

	if err := cache.SetJSON(ctx, c.backend, dealsKey, snap, 0); err != nil {
		c.log.Errorw("failed to cache deals", "error", err)
		return
	}

	meta := Metadata{LastUpdate: now.UnixMilli(), Count: len(deals)}
	if err := cache.SetJSON(ctx, c.backend, metadataKey, meta, 0); err != nil {
		c.log.Errorw("failed to update cache metadata", "error", err)
	}

	c.log.Debugw("cached deals", "count", len(deals))
}

// LoadDeals reads the snapshot back. A missing or corrupt entry is an
// empty, stale result rather than an error; snapshots older than 24h are
// returned but marked stale.
func (c *DealCache) LoadDeals(ctx context.Context, now time.Time) LoadResult {
	var snap snapshot
	if err := cache.GetJSON(ctx, c.backend, dealsKey, &snap); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.log.Errorw("failed to load cached deals", "error", err)
		}
		return LoadResult{Deals: []models.Deal{}, IsStale: true}
	}

	age := now.Sub(time.UnixMilli(snap.Timestamp))
	return LoadResult{
		Deals:   snap.Deals,
		IsStale: age > maxCacheAge,
		Age:     age,
	}
}

// LoadMetadata reads the last-write summary, nil when absent or corrupt.
func (c *DealCache) LoadMetadata(ctx context.Context) *Metadata {
	var meta Metadata
	if err := cache.GetJSON(ctx, c.backend, metadataKey, &meta); err != nil {
		return nil
	}
	return &meta
}

// Clear drops the snapshot and its metadata.
func (c *DealCache) Clear(ctx context.Context) {
	if err := c.backend.Delete(ctx, dealsKey); err != nil {
		c.log.Errorw("failed to clear deal cache", "error", err)
	}
	if err := c.backend.Delete(ctx, metadataKey); err != nil {
		c.log.Errorw("failed to clear cache metadata", "error", err)
	}
}
