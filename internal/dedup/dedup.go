// Package dedup collapses the same offer reported by multiple sources into
// a single record, merging by source priority.
package dedup

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"deal-aggregation-core/internal/models"
)

// Result reports the outcome of a CheckAndAdd call. When IsDuplicate is
// set, Existing holds the record found under the hash and Merged the
// record now stored; otherwise Deal is the newly indexed record.
type Result struct {
	IsDuplicate bool
	Existing    models.Deal
	Merged      models.Deal
	Deal        models.Deal
}

// Deduplicator indexes deals by their content hash.
type Deduplicator struct {
	mu     sync.Mutex
	log    *zap.SugaredLogger
	byHash map[string]models.Deal
}

// New returns an empty deduplicator.
func New(log *zap.SugaredLogger) *Deduplicator {
	return &Deduplicator{
		log:    log,
		byHash: make(map[string]models.Deal),
	}
}

// CheckAndAdd indexes the deal, merging it with any existing record that
// shares its dedup hash.
func (d *Deduplicator) CheckAndAdd(deal models.Deal, now time.Time) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	hash := deal.DedupHash()
	existing, found := d.byHash[hash]
	if !found {
		d.byHash[hash] = deal
		return Result{Deal: deal}
	}

	merged := merge(existing, deal, now)
	d.byHash[hash] = merged
	d.log.Debugw("merged duplicate deal",
		"deal_id", existing.ID, "incoming_provider", deal.Source.Provider, "hash", hash)

	return Result{IsDuplicate: true, Existing: existing, Merged: merged}
}

// Len reports how many distinct deals are indexed.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byHash)
}

// Clear drops the index.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byHash = make(map[string]models.Deal)
}

// merge resolves a collision. A strictly higher incoming source priority
// replaces the identity fields while keeping the original id and creation
// time; otherwise the existing record stays with a refreshed updatedAt. In
// both outcomes metadata accumulates every contributing source.
func merge(existing, incoming models.Deal, now time.Time) models.Deal {
	sources := append(existing.ContributingSources(), incoming.Source)

	if incoming.Source.Priority > existing.Source.Priority {
		merged := incoming
		merged.ID = existing.ID
		merged.CreatedAt = existing.CreatedAt
		merged.Metadata = mergeMetadata(existing.Metadata, incoming.Metadata)
		merged.Metadata[models.MetadataSourcesKey] = sources
		return merged
	}

	merged := existing
	merged.UpdatedAt = now
	merged.Metadata = mergeMetadata(existing.Metadata, nil)
	merged.Metadata[models.MetadataSourcesKey] = sources
	return merged
}

func mergeMetadata(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
