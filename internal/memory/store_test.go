package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/block"
	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/types"
	"go.uber.org/zap"
)

func makeBlock(t *testing.T, pv string, payload string) (types.Key, *block.Block) {
	t.Helper()
	end := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	key := types.Key{PV: pv, Start: end.Add(-time.Hour), End: end}
	blk, err := block.New(key, []byte(payload), end, block.CodecNone)
	if err != nil {
		t.Fatal(err)
	}
	return key, blk
}

func TestMemoryStorePutGet(t *testing.T) {
	store := NewStore(config.MemoryTierConfig{
		Enabled:  true,
		MaxBytes: config.ByteSize(100 * 1024 * 1024),
	}, zap.NewNop())
	defer store.Close()

	ctx := context.Background()
	key, blk := makeBlock(t, "SR:C01:CURRENT", "hello")

	if err := store.Put(ctx, key, blk); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, _ := store.Exists(ctx, key)
	if !exists {
		t.Fatal("entry should exist")
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Data) != "hello" {
		t.Errorf("expected payload hello, got %q", got.Data)
	}

	stats, _ := store.Stats(ctx)
	if stats.EntryCount != 1 || stats.TotalBytes != blk.SizeBytes {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewStore(config.MemoryTierConfig{Enabled: true}, zap.NewNop())
	key, _ := makeBlock(t, "MISSING", "")
	if _, err := store.Get(context.Background(), key); err == nil {
		t.Fatal("expected error for missing entry")
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	store := NewStore(config.MemoryTierConfig{
		Enabled:    true,
		MaxEntries: 2,
	}, zap.NewNop())
	defer store.Close()

	ctx := context.Background()

	// Add 3 entries, should evict the first
	var keys []types.Key
	for i := 1; i <= 3; i++ {
		key, blk := makeBlock(t, fmt.Sprintf("PV:%d", i), "data")
		keys = append(keys, key)
		store.Put(ctx, key, blk)
	}

	stats, _ := store.Stats(ctx)
	if stats.EntryCount != 2 {
		t.Errorf("expected 2 entries after eviction, got %d", stats.EntryCount)
	}

	exists, _ := store.Exists(ctx, keys[0])
	if exists {
		t.Error("PV:1 should have been evicted")
	}
}

func TestMemoryStoreEvictionIsLRU(t *testing.T) {
	store := NewStore(config.MemoryTierConfig{
		Enabled:    true,
		MaxEntries: 2,
	}, zap.NewNop())
	ctx := context.Background()

	k1, b1 := makeBlock(t, "PV:1", "a")
	k2, b2 := makeBlock(t, "PV:2", "b")
	k3, b3 := makeBlock(t, "PV:3", "c")
	store.Put(ctx, k1, b1)
	store.Put(ctx, k2, b2)

	// Reading PV:1 makes PV:2 the least recently used.
	if _, err := store.Get(ctx, k1); err != nil {
		t.Fatal(err)
	}
	store.Put(ctx, k3, b3)

	if ok, _ := store.Exists(ctx, k1); !ok {
		t.Error("recently read PV:1 should survive")
	}
	if ok, _ := store.Exists(ctx, k2); ok {
		t.Error("PV:2 should have been evicted")
	}
}

func TestMemoryStoreByteLimit(t *testing.T) {
	k1, b1 := makeBlock(t, "PV:1", "aaaa")
	k2, b2 := makeBlock(t, "PV:2", "bbbb")

	store := NewStore(config.MemoryTierConfig{
		Enabled:  true,
		MaxBytes: config.ByteSize(b1.SizeBytes + b2.SizeBytes - 1),
	}, zap.NewNop())
	ctx := context.Background()
	store.Put(ctx, k1, b1)
	store.Put(ctx, k2, b2)

	if ok, _ := store.Exists(ctx, k1); ok {
		t.Error("PV:1 should have been evicted to fit PV:2")
	}
	stats, _ := store.Stats(ctx)
	if stats.TotalBytes != b2.SizeBytes {
		t.Errorf("expected %d bytes, got %d", b2.SizeBytes, stats.TotalBytes)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewStore(config.MemoryTierConfig{Enabled: true}, zap.NewNop())
	defer store.Close()

	ctx := context.Background()
	key, blk := makeBlock(t, "PV", "data")
	store.Put(ctx, key, blk)

	store.Delete(ctx, key)
	exists, _ := store.Exists(ctx, key)
	if exists {
		t.Error("entry should not exist after delete")
	}
	stats, _ := store.Stats(ctx)
	if stats.TotalBytes != 0 {
		t.Errorf("expected 0 bytes after delete, got %d", stats.TotalBytes)
	}
}
