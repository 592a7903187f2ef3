package tier

import (
	"context"
	"fmt"
	"sync"

	"github.com/gftdcojp/epics-archiver-mcp/internal/block"
)

// mockTierStore is a thread-safe in-memory TierStore for testing.
type mockTierStore struct {
	mu     sync.Mutex
	blocks map[string]*block.Block // key: Key.ID()
	putErr error
	getErr error
	delErr error
	tier   Tier
}

func newMockStore(t Tier) *mockTierStore {
	return &mockTierStore{
		blocks: make(map[string]*block.Block),
		tier:   t,
	}
}

func (m *mockTierStore) Put(_ context.Context, key Key, blk *block.Block) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	m.blocks[key.ID()] = blk
	m.mu.Unlock()
	return nil
}

func (m *mockTierStore) Get(_ context.Context, key Key) (*block.Block, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	blk, ok := m.blocks[key.ID()]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("entry not found: %s", key.ID())
	}
	return blk, nil
}

func (m *mockTierStore) Delete(_ context.Context, key Key) error {
	if m.delErr != nil {
		return m.delErr
	}
	m.mu.Lock()
	delete(m.blocks, key.ID())
	m.mu.Unlock()
	return nil
}

func (m *mockTierStore) Exists(_ context.Context, key Key) (bool, error) {
	m.mu.Lock()
	_, ok := m.blocks[key.ID()]
	m.mu.Unlock()
	return ok, nil
}

func (m *mockTierStore) Stats(_ context.Context) (TierStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, b := range m.blocks {
		total += b.SizeBytes
	}
	return TierStats{Tier: m.tier, EntryCount: int64(len(m.blocks)), TotalBytes: total}, nil
}

func (m *mockTierStore) Close() error {
	return nil
}

func (m *mockTierStore) ObjectKey(key Key) string {
	return "mock/" + key.ID()
}

func (m *mockTierStore) has(key Key) bool {
	m.mu.Lock()
	_, ok := m.blocks[key.ID()]
	m.mu.Unlock()
	return ok
}
