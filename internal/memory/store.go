package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/gftdcojp/epics-archiver-mcp/internal/block"
	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tier"
	"go.uber.org/zap"
)

// Store implements tier.TierStore as an in-process LRU cache.
type Store struct {
	mu         sync.Mutex
	cfg        config.MemoryTierConfig
	blocks     map[string]*block.Block // key ID -> Block
	order      []string                // LRU order, least recently used first
	totalBytes int64
	logger     *zap.Logger
}

func NewStore(cfg config.MemoryTierConfig, logger *zap.Logger) *Store {
	return &Store{
		cfg:    cfg,
		blocks: make(map[string]*block.Block),
		logger: logger,
	}
}

func (s *Store) Put(_ context.Context, key tier.Key, data *block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.ID()
	if _, exists := s.blocks[id]; exists {
		s.touch(id)
		return nil // idempotent
	}

	for s.shouldEvict(data.SizeBytes) {
		s.evictOldest()
	}

	s.blocks[id] = data
	s.order = append(s.order, id)
	s.totalBytes += data.SizeBytes

	s.logger.Debug("response stored in memory",
		zap.String("id", id),
		zap.String("pv", key.PV),
		zap.Int64("size", data.SizeBytes),
		zap.Int64("total_bytes", s.totalBytes),
	)

	return nil
}

func (s *Store) Get(_ context.Context, key tier.Key) (*block.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.ID()
	blk, ok := s.blocks[id]
	if !ok {
		return nil, fmt.Errorf("entry %s not found in memory tier", id)
	}
	s.touch(id)
	return blk, nil
}

func (s *Store) Delete(_ context.Context, key tier.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.ID()
	blk, ok := s.blocks[id]
	if !ok {
		return nil
	}

	s.totalBytes -= blk.SizeBytes
	delete(s.blocks, id)
	s.removeFromOrder(id)
	return nil
}

func (s *Store) Exists(_ context.Context, key tier.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocks[key.ID()]
	return ok, nil
}

func (s *Store) Stats(_ context.Context) (tier.TierStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tier.TierStats{
		Tier:        tier.TierMemory,
		EntryCount:  int64(len(s.blocks)),
		TotalBytes:  s.totalBytes,
		CapacityMax: int64(s.cfg.MaxBytes),
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = make(map[string]*block.Block)
	s.order = nil
	s.totalBytes = 0
	return nil
}

func (s *Store) shouldEvict(incoming int64) bool {
	if len(s.blocks) == 0 {
		return false
	}
	if s.cfg.MaxEntries > 0 && len(s.blocks) >= s.cfg.MaxEntries {
		return true
	}
	if int64(s.cfg.MaxBytes) > 0 && s.totalBytes+incoming > int64(s.cfg.MaxBytes) {
		return true
	}
	return false
}

func (s *Store) evictOldest() {
	if len(s.order) == 0 {
		return
	}
	oldest := s.order[0]
	s.order = s.order[1:]
	if blk, ok := s.blocks[oldest]; ok {
		s.totalBytes -= blk.SizeBytes
		delete(s.blocks, oldest)
		s.logger.Debug("evicted response from memory", zap.String("id", oldest))
	}
}

// touch marks id as most recently used.
func (s *Store) touch(id string) {
	s.removeFromOrder(id)
	s.order = append(s.order, id)
}

func (s *Store) removeFromOrder(id string) {
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
