package lifecycle

import (
	"context"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/blob"
	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/meta"
	"github.com/gftdcojp/epics-archiver-mcp/internal/metrics"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tier"
	"go.uber.org/zap"
)

// strayGrace is how long an unreferenced blob object is left alone.
const strayGrace = 10 * time.Minute

// ObjectStore lists and removes raw objects in the blob tier.
type ObjectStore interface {
	ListObjects(ctx context.Context) ([]blob.ObjectInfo, error)
	DeleteObject(ctx context.Context, key string) error
}

// Manager handles retention enforcement and garbage collection across tiers.
type Manager struct {
	ctrl    *tier.Controller
	meta    meta.Store
	cfg     config.CacheConfig
	objects ObjectStore
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithObjectStore enables collection of blob objects that no index entry
// references.
func WithObjectStore(s ObjectStore) Option {
	return func(m *Manager) { m.objects = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a new lifecycle manager.
func NewManager(ctrl *tier.Controller, metaStore meta.Store, cfg config.CacheConfig, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		ctrl:   ctrl,
		meta:   metaStore,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the periodic retention/GC loop.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.gcCycle(ctx); err != nil {
				m.logger.Error("gc cycle error", zap.Error(err))
			}
		}
	}
}

func (m *Manager) gcCycle(ctx context.Context) error {
	if err := m.enforceRetention(ctx); err != nil {
		return err
	}
	if _, err := CollectOrphans(ctx, m.meta, m.ctrl, m.logger); err != nil {
		return err
	}
	if m.objects != nil {
		if _, err := CollectStrayObjects(ctx, m.meta, m.objects, m.now().Add(-strayGrace), m.logger); err != nil {
			return err
		}
	}
	return nil
}

// enforceRetention permanently removes responses older than the blob tier's
// max_age. The blob tier is the last copy, so the entry leaves every tier.
func (m *Manager) enforceRetention(ctx context.Context) error {
	maxAge := m.cfg.Blob.MaxAge.Duration()
	if !m.cfg.Blob.Enabled || maxAge <= 0 {
		return nil
	}

	blobTier := tier.TierBlob
	entries, err := m.meta.ListEntries(ctx, &blobTier)
	if err != nil {
		return err
	}

	cutoff := m.now().Add(-maxAge)
	for _, e := range entries {
		if !e.FetchedAt.Before(cutoff) {
			continue
		}
		m.logger.Info("deleting expired response",
			zap.String("id", e.ID),
			zap.String("pv", e.PV),
			zap.Time("fetched_at", e.FetchedAt),
			zap.Time("cutoff", cutoff),
		)
		if err := m.ctrl.Evict(ctx, e.ID); err != nil {
			m.logger.Error("failed to delete expired response",
				zap.Error(err), zap.String("id", e.ID))
			continue
		}
		metrics.RetentionDeletes.Inc()
	}
	return nil
}
