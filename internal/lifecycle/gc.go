package lifecycle

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/meta"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tier"
	"go.uber.org/zap"
)

// CollectOrphans reconciles index entries with the tier stores. Tier
// presence is dropped for every tier that no longer holds the entry, and
// entries held nowhere are deleted. This can happen after an LRU eviction
// or a crash between a store write and the index update.
func CollectOrphans(ctx context.Context, metaStore meta.Store, ctrl *tier.Controller, logger *zap.Logger) (int, error) {
	entries, err := metaStore.ListEntries(ctx, nil)
	if err != nil {
		return 0, err
	}

	collected := 0
	for _, e := range entries {
		remaining := len(e.Tiers)
		for _, t := range e.Tiers {
			store := ctrl.StoreForTier(t)
			if store == nil {
				continue
			}
			exists, err := store.Exists(ctx, e.Key())
			if err != nil {
				logger.Warn("error checking entry existence",
					zap.String("id", e.ID), zap.Error(err))
				continue
			}
			if exists {
				continue
			}
			if _, err := metaStore.RemoveTierPresence(ctx, e.ID, t); err != nil {
				logger.Error("failed to drop tier presence",
					zap.String("id", e.ID), zap.String("tier", t.String()), zap.Error(err))
				continue
			}
			remaining--
		}

		if remaining > 0 {
			continue
		}
		logger.Warn("orphaned cache metadata found, cleaning up",
			zap.String("id", e.ID), zap.String("pv", e.PV))
		if err := metaStore.DeleteEntry(ctx, e.ID); err != nil {
			logger.Error("failed to delete orphan metadata",
				zap.String("id", e.ID), zap.Error(err))
			continue
		}
		collected++
	}

	return collected, nil
}

// CollectStrayObjects deletes blob objects last modified before cutoff that
// no index entry references. Younger objects may belong to a write whose
// index update has not landed yet.
func CollectStrayObjects(ctx context.Context, metaStore meta.Store, objects ObjectStore, cutoff time.Time, logger *zap.Logger) (int, error) {
	objs, err := objects.ListObjects(ctx)
	if err != nil {
		return 0, err
	}

	collected := 0
	for _, o := range objs {
		if !o.LastModified.Before(cutoff) {
			continue
		}
		id := strings.TrimSuffix(path.Base(o.Key), ".blk")
		_, err := metaStore.GetEntry(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, meta.ErrNotFound) {
			logger.Warn("error checking object metadata", zap.String("key", o.Key), zap.Error(err))
			continue
		}
		if err := objects.DeleteObject(ctx, o.Key); err != nil {
			logger.Error("failed to delete stray object", zap.String("key", o.Key), zap.Error(err))
			continue
		}
		logger.Info("deleted stray object", zap.String("key", o.Key), zap.Int64("size", o.Size))
		collected++
	}
	return collected, nil
}
