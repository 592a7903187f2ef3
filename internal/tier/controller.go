package tier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/block"
	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/meta"
	"github.com/gftdcojp/epics-archiver-mcp/internal/metrics"
	"go.uber.org/zap"
)

var ErrNoTier = errors.New("no cache tier enabled")

// ControllerConfig holds dependencies for the tier controller.
type ControllerConfig struct {
	Memory TierStore
	File   TierStore
	Blob   TierStore
	Meta   meta.Store
	Policy config.CacheConfig
	Codec  block.Codec
	Logger *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Controller caches raw archiver responses across the three tiers.
type Controller struct {
	memory TierStore
	file   TierStore
	blob   TierStore
	meta   meta.Store
	policy *PolicyEngine
	minAge time.Duration
	codec  block.Codec
	now    func() time.Time
	logger *zap.Logger
	mu     sync.Mutex
}

// NewController creates a new tier controller.
func NewController(cfg ControllerConfig) *Controller {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		memory: cfg.Memory,
		file:   cfg.File,
		blob:   cfg.Blob,
		meta:   cfg.Meta,
		policy: NewPolicyEngine(cfg.Policy),
		minAge: cfg.Policy.MinAge.Duration(),
		codec:  cfg.Codec,
		now:    now,
		logger: cfg.Logger,
	}
}

// Cacheable reports whether the window of key is old enough that the
// archiver will not add samples to it.
func (c *Controller) Cacheable(key Key) bool {
	return key.End.Before(c.now().Add(-c.minAge))
}

type tierEntry struct {
	tier  Tier
	store TierStore
}

// enabled lists the configured tiers, hot to cold.
func (c *Controller) enabled() []tierEntry {
	var targets []tierEntry
	if c.policy.cfg.Memory.Enabled && c.memory != nil {
		targets = append(targets, tierEntry{TierMemory, c.memory})
	}
	if c.policy.cfg.File.Enabled && c.file != nil {
		targets = append(targets, tierEntry{TierFile, c.file})
	}
	if c.policy.cfg.Blob.Enabled && c.blob != nil {
		targets = append(targets, tierEntry{TierBlob, c.blob})
	}
	return targets
}

// Store writes a response to every enabled tier (write-through) and records
// it in the index.
func (c *Controller) Store(ctx context.Context, key Key, data []byte, sampleCount int) error {
	targets := c.enabled()
	if len(targets) == 0 {
		return ErrNoTier
	}

	blk, err := block.New(key, data, c.now(), c.codec)
	if err != nil {
		return fmt.Errorf("encoding block: %w", err)
	}

	entry := meta.CacheEntry{
		ID:          key.ID(),
		PV:          key.PV,
		Start:       key.Start,
		End:         key.End,
		FetchedAt:   blk.FetchedAt,
		SizeBytes:   blk.SizeBytes,
		DataBytes:   int64(len(data)),
		SampleCount: sampleCount,
	}

	for _, t := range targets {
		if err := t.store.Put(ctx, key, blk); err != nil {
			return fmt.Errorf("storing response in %s tier: %w", t.tier, err)
		}
		entry.Tiers = append(entry.Tiers, t.tier)
		if k, ok := t.store.(ObjectKeyer); ok {
			entry.S3Key = k.ObjectKey(key)
		}
	}

	if err := c.meta.RecordEntry(ctx, entry); err != nil {
		return fmt.Errorf("recording cache metadata: %w", err)
	}

	c.logger.Debug("response cached",
		zap.String("id", entry.ID),
		zap.String("pv", key.PV),
		zap.Int64("size", blk.SizeBytes),
		zap.Int64("data_bytes", entry.DataBytes),
		zap.Int("tiers", len(entry.Tiers)),
	)
	return nil
}

// Lookup returns the cached response for key, falling through tiers from
// hottest to coldest. A hit below the memory tier is promoted to memory.
func (c *Controller) Lookup(ctx context.Context, key Key) ([]byte, bool, error) {
	entry, err := c.meta.GetEntry(ctx, key.ID())
	if errors.Is(err, meta.ErrNotFound) {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("looking up %s: %w", key, err)
	}

	start := time.Now()
	for _, t := range entry.Tiers {
		store := c.storeForTier(t)
		if store == nil {
			continue
		}
		blk, err := store.Get(ctx, key)
		if err != nil {
			// Tier miss (e.g. LRU eviction); fall through to next tier.
			c.logger.Debug("tier miss", zap.String("id", entry.ID), zap.String("tier", t.String()), zap.Error(err))
			continue
		}
		if blk.Key.PV != key.PV {
			c.logger.Warn("cache id collision", zap.String("id", entry.ID),
				zap.String("want", key.PV), zap.String("got", blk.Key.PV))
			break
		}

		metrics.ReadRequests.WithLabelValues(t.String()).Inc()
		metrics.ReadLatency.WithLabelValues(t.String()).Observe(time.Since(start).Seconds())
		metrics.CacheLookups.WithLabelValues("hit").Inc()

		if t != TierMemory && c.policy.cfg.Memory.Enabled && c.memory != nil {
			if err := c.promote(ctx, entry.ID, key, blk, t, TierMemory); err != nil {
				c.logger.Warn("promotion failed", zap.String("id", entry.ID), zap.Error(err))
			}
		}
		return blk.Data, true, nil
	}

	// Indexed but held nowhere: drop the stale record.
	metrics.CacheLookups.WithLabelValues("stale").Inc()
	if err := c.meta.DeleteEntry(ctx, entry.ID); err != nil {
		c.logger.Warn("failed to drop stale cache entry", zap.String("id", entry.ID), zap.Error(err))
	}
	return nil, false, nil
}

// Promote copies an entry from a colder to a hotter tier and updates metadata.
func (c *Controller) Promote(ctx context.Context, id string, from, to Tier) error {
	entry, err := c.meta.GetEntry(ctx, id)
	if err != nil {
		return err
	}

	fromStore := c.storeForTier(from)
	if fromStore == nil {
		return fmt.Errorf("tier store not available: %s", from)
	}
	blk, err := fromStore.Get(ctx, entry.Key())
	if err != nil {
		return err
	}
	return c.promote(ctx, id, entry.Key(), blk, from, to)
}

func (c *Controller) promote(ctx context.Context, id string, key Key, blk *block.Block, from, to Tier) error {
	toStore := c.storeForTier(to)
	if toStore == nil {
		return fmt.Errorf("tier store not available: %s", to)
	}
	if err := toStore.Put(ctx, key, blk); err != nil {
		return err
	}
	if err := c.meta.AddTierPresence(ctx, id, to); err != nil {
		return fmt.Errorf("updating tier presence: %w", err)
	}

	metrics.PromotionOps.WithLabelValues(from.String(), to.String()).Inc()
	c.logger.Debug("entry promoted",
		zap.String("id", id),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	return nil
}

// Demote evicts an entry from a tier. With write-through the entry already
// exists in colder tiers, so only deletion from the source is needed. An
// entry left in no tier is removed from the index.
func (c *Controller) Demote(ctx context.Context, id string, from Tier) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.meta.GetEntry(ctx, id)
	if err != nil {
		return err
	}

	fromStore := c.storeForTier(from)
	if fromStore == nil {
		return fmt.Errorf("tier store not available: from=%s", from)
	}
	if err := fromStore.Delete(ctx, entry.Key()); err != nil {
		c.logger.Warn("failed to delete from source tier during eviction",
			zap.Error(err), zap.String("id", id), zap.String("from", from.String()))
	}

	updated, err := c.meta.RemoveTierPresence(ctx, id, from)
	if err != nil {
		return fmt.Errorf("updating tier metadata: %w", err)
	}

	to := "none"
	if len(updated.Tiers) > 0 {
		to = updated.CurrentTier.String()
	} else if err := c.meta.DeleteEntry(ctx, id); err != nil {
		return fmt.Errorf("deleting cache metadata: %w", err)
	}
	metrics.DemotionOps.WithLabelValues(from.String(), to).Inc()

	c.logger.Debug("entry evicted from tier",
		zap.String("id", id),
		zap.String("from", from.String()),
		zap.String("to", to),
	)
	return nil
}

// Evict removes an entry from every tier and from the index.
func (c *Controller) Evict(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.meta.GetEntry(ctx, id)
	if err != nil {
		return err
	}

	for _, t := range entry.Tiers {
		if err := c.DeleteFromTier(ctx, entry.Key(), t); err != nil {
			return fmt.Errorf("deleting from %s tier: %w", t, err)
		}
	}
	if err := c.meta.DeleteEntry(ctx, id); err != nil {
		return err
	}

	c.logger.Info("cache entry evicted", zap.String("id", id), zap.String("pv", entry.PV))
	return nil
}

// DeleteFromTier deletes an entry from a specific tier.
func (c *Controller) DeleteFromTier(ctx context.Context, key Key, t Tier) error {
	store := c.storeForTier(t)
	if store == nil {
		return fmt.Errorf("tier store not available: %s", t)
	}
	return store.Delete(ctx, key)
}

// List returns the index ordered by PV, then window start.
func (c *Controller) List(ctx context.Context) ([]meta.CacheEntry, error) {
	entries, err := c.meta.ListEntries(ctx, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].PV != entries[j].PV {
			return entries[i].PV < entries[j].PV
		}
		return entries[i].Start.Before(entries[j].Start)
	})
	return entries, nil
}

// Stats reports usage of each enabled tier.
func (c *Controller) Stats(ctx context.Context) ([]TierStats, error) {
	var out []TierStats
	for _, t := range c.enabled() {
		st, err := t.store.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s tier stats: %w", t.tier, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// RunDemotionLoop periodically evaluates policies and demotes eligible entries.
func (c *Controller) RunDemotionLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.demotionCycle(ctx); err != nil {
				c.logger.Error("demotion cycle error", zap.Error(err))
			}
		}
	}
}

func (c *Controller) demotionCycle(ctx context.Context) error {
	entries, err := c.meta.ListEntries(ctx, nil)
	if err != nil {
		return err
	}

	now := c.now()
	for _, t := range []Tier{TierMemory, TierFile} {
		maxAge, maxBytes, maxEntries, ok := c.policy.limits(t)
		if !ok || c.storeForTier(t) == nil {
			continue
		}
		candidates := c.policy.EvaluateDemotion(filterByTier(entries, t), maxAge, maxBytes, maxEntries, now)
		for _, e := range candidates {
			if err := c.Demote(ctx, e.ID, t); err != nil {
				c.logger.Error("failed to evict from tier",
					zap.Error(err), zap.String("id", e.ID), zap.String("tier", t.String()))
			}
		}
	}

	return c.refreshTierMetrics(ctx)
}

func (c *Controller) refreshTierMetrics(ctx context.Context) error {
	entries, err := c.meta.ListEntries(ctx, nil)
	if err != nil {
		return err
	}
	counts := make(map[Tier]int)
	sizes := make(map[Tier]int64)
	for _, e := range entries {
		for _, t := range e.Tiers {
			counts[t]++
			sizes[t] += e.SizeBytes
		}
	}
	for _, t := range []Tier{TierMemory, TierFile, TierBlob} {
		metrics.TierEntryCount.WithLabelValues(t.String()).Set(float64(counts[t]))
		metrics.TierBytes.WithLabelValues(t.String()).Set(float64(sizes[t]))
	}
	return nil
}

// StoreForTier returns the TierStore for a given tier.
func (c *Controller) StoreForTier(t Tier) TierStore {
	return c.storeForTier(t)
}

func (c *Controller) storeForTier(t Tier) TierStore {
	switch t {
	case TierMemory:
		return c.memory
	case TierFile:
		return c.file
	case TierBlob:
		return c.blob
	}
	return nil
}

func filterByTier(entries []meta.CacheEntry, t Tier) []meta.CacheEntry {
	var result []meta.CacheEntry
	for _, e := range entries {
		if e.HasTier(t) {
			result = append(result, e)
		}
	}
	return result
}
