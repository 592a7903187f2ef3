package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/blob"
	"github.com/gftdcojp/epics-archiver-mcp/internal/block"
	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/memory"
	"github.com/gftdcojp/epics-archiver-mcp/internal/meta"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tier"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMeta(t *testing.T) meta.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := meta.NewBoltStore(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type testEnv struct {
	mgr       *Manager
	meta      meta.Store
	ctrl      *tier.Controller
	memStore  *memory.Store
	blobStore *memory.Store
}

func newTestManager(t *testing.T, blobEnabled bool, maxAge time.Duration, opts ...Option) testEnv {
	t.Helper()
	metaStore := newTestMeta(t)
	memStore := memory.NewStore(config.MemoryTierConfig{Enabled: true}, zap.NewNop())
	// A second memory store stands in for the blob tier.
	blobStore := memory.NewStore(config.MemoryTierConfig{Enabled: true}, zap.NewNop())

	cacheCfg := config.CacheConfig{
		Memory: config.MemoryTierConfig{Enabled: true},
		Blob: config.BlobTierConfig{
			Enabled: blobEnabled,
			MaxAge:  config.Duration(maxAge),
		},
	}

	ctrl := tier.NewController(tier.ControllerConfig{
		Memory: memStore,
		Blob:   blobStore,
		Meta:   metaStore,
		Policy: cacheCfg,
		Codec:  block.CodecNone,
		Logger: zap.NewNop(),
		Now:    func() time.Time { return testNow },
	})

	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	mgr := NewManager(ctrl, metaStore, cacheCfg, zap.NewNop(), opts...)
	return testEnv{mgr: mgr, meta: metaStore, ctrl: ctrl, memStore: memStore, blobStore: blobStore}
}

func recordEntry(t *testing.T, store meta.Store, pv string, fetchedAt time.Time, tiers ...tier.Tier) meta.CacheEntry {
	t.Helper()
	key := tier.Key{PV: pv, Start: fetchedAt.Add(-2 * time.Hour), End: fetchedAt.Add(-time.Hour)}
	e := meta.CacheEntry{
		ID:          key.ID(),
		PV:          key.PV,
		Start:       key.Start,
		End:         key.End,
		FetchedAt:   fetchedAt,
		SizeBytes:   1000,
		CurrentTier: tiers[0],
		Tiers:       tiers,
	}
	if err := store.RecordEntry(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestManager_GCCycle_DeletesExpired(t *testing.T) {
	env := newTestManager(t, true, time.Hour)
	ctx := context.Background()

	key := tier.Key{PV: "SR:C01:CURRENT", Start: testNow.Add(-4 * time.Hour), End: testNow.Add(-3 * time.Hour)}
	if err := env.ctrl.Store(ctx, key, []byte("payload"), 1); err != nil {
		t.Fatal(err)
	}
	env.mgr.now = func() time.Time { return testNow.Add(2 * time.Hour) } // fetched 2h ago, max_age=1h

	if err := env.mgr.gcCycle(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := env.meta.GetEntry(ctx, key.ID()); !errors.Is(err, meta.ErrNotFound) {
		t.Errorf("expected expired entry to be deleted, got %v", err)
	}
	if ok, _ := env.blobStore.Exists(ctx, key); ok {
		t.Error("expired response should be gone from blob tier")
	}
	if ok, _ := env.memStore.Exists(ctx, key); ok {
		t.Error("expired response should be gone from memory tier")
	}
}

func TestManager_GCCycle_KeepsNonExpired(t *testing.T) {
	env := newTestManager(t, true, time.Hour)
	ctx := context.Background()

	key := tier.Key{PV: "SR:C01:CURRENT", Start: testNow.Add(-4 * time.Hour), End: testNow.Add(-3 * time.Hour)}
	if err := env.ctrl.Store(ctx, key, []byte("payload"), 1); err != nil {
		t.Fatal(err)
	}

	if err := env.mgr.gcCycle(ctx); err != nil {
		t.Fatal(err)
	}

	entry, err := env.meta.GetEntry(ctx, key.ID())
	if err != nil {
		t.Fatalf("non-expired entry should be kept: %v", err)
	}
	if len(entry.Tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %v", entry.Tiers)
	}
}

func TestManager_GCCycle_ZeroMaxAge(t *testing.T) {
	env := newTestManager(t, true, 0)
	ctx := context.Background()

	key := tier.Key{PV: "PV", Start: testNow.Add(-48 * time.Hour), End: testNow.Add(-47 * time.Hour)}
	if err := env.ctrl.Store(ctx, key, []byte("payload"), 1); err != nil {
		t.Fatal(err)
	}
	env.mgr.now = func() time.Time { return testNow.Add(365 * 24 * time.Hour) }

	if err := env.mgr.gcCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := env.meta.GetEntry(ctx, key.ID()); err != nil {
		t.Fatalf("zero max_age should keep entries forever: %v", err)
	}
}

func TestManager_Run_CancelStops(t *testing.T) {
	env := newTestManager(t, false, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- env.mgr.Run(ctx, 100*time.Millisecond)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	err := <-done
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCollectOrphans(t *testing.T) {
	env := newTestManager(t, true, 0)
	ctx := context.Background()

	// Indexed in memory and blob, but only blob holds it.
	key := tier.Key{PV: "PARTIAL", Start: testNow.Add(-2 * time.Hour), End: testNow.Add(-time.Hour)}
	if err := env.ctrl.Store(ctx, key, []byte("payload"), 1); err != nil {
		t.Fatal(err)
	}
	env.memStore.Delete(ctx, key)

	// Indexed but held nowhere.
	orphan := recordEntry(t, env.meta, "ORPHAN", testNow, tier.TierMemory, tier.TierBlob)

	n, err := CollectOrphans(ctx, env.meta, env.ctrl, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphan collected, got %d", n)
	}
	if _, err := env.meta.GetEntry(ctx, orphan.ID); !errors.Is(err, meta.ErrNotFound) {
		t.Errorf("orphan should be deleted, got %v", err)
	}

	entry, err := env.meta.GetEntry(ctx, key.ID())
	if err != nil {
		t.Fatal(err)
	}
	if entry.HasTier(tier.TierMemory) || !entry.HasTier(tier.TierBlob) {
		t.Errorf("expected only blob presence, got %v", entry.Tiers)
	}
}

type fakeObjects struct {
	mu      sync.Mutex
	objs    []blob.ObjectInfo
	deleted []string
}

func (f *fakeObjects) ListObjects(context.Context) ([]blob.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]blob.ObjectInfo(nil), f.objs...), nil
}

func (f *fakeObjects) DeleteObject(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func TestCollectStrayObjects(t *testing.T) {
	store := newTestMeta(t)
	kept := recordEntry(t, store, "KEPT", testNow, tier.TierBlob)
	old := testNow.Add(-time.Hour)

	objs := &fakeObjects{objs: []blob.ObjectInfo{
		{Key: "p/responses/" + kept.ID[:2] + "/" + kept.ID + ".blk", LastModified: old},
		{Key: "p/responses/ab/abababababababab.blk", LastModified: old},
		{Key: "p/responses/cd/cdcdcdcdcdcdcdcd.blk", LastModified: testNow}, // too young
	}}

	n, err := CollectStrayObjects(context.Background(), store, objs, testNow.Add(-10*time.Minute), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stray object, got %d", n)
	}
	if len(objs.deleted) != 1 || objs.deleted[0] != "p/responses/ab/abababababababab.blk" {
		t.Fatalf("unexpected deletions: %v", objs.deleted)
	}
}

func TestManager_GCCycle_WithObjectStore(t *testing.T) {
	objs := &fakeObjects{objs: []blob.ObjectInfo{
		{Key: "responses/ef/efefefefefefefef.blk", LastModified: testNow.Add(-time.Hour)},
	}}
	env := newTestManager(t, true, time.Hour, WithObjectStore(objs))

	if err := env.mgr.gcCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(objs.deleted) != 1 {
		t.Fatalf("expected stray object to be collected, got %v", objs.deleted)
	}
}
