package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gftdcojp/epics-archiver-mcp/internal/block"
	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tier"
	"go.uber.org/zap"
)

const blockExt = ".blk"

// Store implements tier.TierStore using local filesystem. Entries live at
// <data_dir>/<id[:2]>/<id>.blk.
type Store struct {
	mu         sync.RWMutex
	cfg        config.FileTierConfig
	dataDir    string
	totalBytes int64
	entryCount int64
	logger     *zap.Logger
}

// NewStore opens the data directory and tallies any entries already on disk.
func NewStore(cfg config.FileTierConfig, logger *zap.Logger) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("file tier: data_dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
	}
	s := &Store{
		cfg:     cfg,
		dataDir: cfg.DataDir,
		logger:  logger,
	}
	if err := s.scan(); err != nil {
		return nil, fmt.Errorf("scanning data dir %s: %w", cfg.DataDir, err)
	}
	return s, nil
}

func (s *Store) scan() error {
	return filepath.WalkDir(s.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, blockExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		s.totalBytes += info.Size()
		s.entryCount++
		return nil
	})
}

func (s *Store) blockPath(key tier.Key) string {
	id := key.ID()
	return filepath.Join(s.dataDir, id[:2], id+blockExt)
}

func (s *Store) Put(_ context.Context, key tier.Key, data *block.Block) error {
	blkPath := s.blockPath(key)
	if err := os.MkdirAll(filepath.Dir(blkPath), 0755); err != nil {
		return err
	}

	var prev int64 = -1
	if info, err := os.Stat(blkPath); err == nil {
		prev = info.Size()
	}

	// Write to a temp file and rename so readers never see a partial block.
	tmp := blkPath + ".tmp"
	if err := os.WriteFile(tmp, data.Raw, 0644); err != nil {
		return fmt.Errorf("writing block file: %w", err)
	}
	if err := os.Rename(tmp, blkPath); err != nil {
		os.Remove(tmp) // cleanup on failure
		return fmt.Errorf("renaming block file: %w", err)
	}

	s.mu.Lock()
	if prev >= 0 {
		s.totalBytes -= prev
	} else {
		s.entryCount++
	}
	s.totalBytes += data.SizeBytes
	s.mu.Unlock()

	s.logger.Debug("response stored on disk",
		zap.String("id", key.ID()),
		zap.String("path", blkPath),
		zap.Int64("size", data.SizeBytes),
	)

	return nil
}

func (s *Store) Get(_ context.Context, key tier.Key) (*block.Block, error) {
	raw, err := os.ReadFile(s.blockPath(key))
	if err != nil {
		return nil, fmt.Errorf("reading block file: %w", err)
	}
	return block.Decode(raw)
}

func (s *Store) Delete(_ context.Context, key tier.Key) error {
	blkPath := s.blockPath(key)
	info, err := os.Stat(blkPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := os.Remove(blkPath); err != nil {
		return err
	}

	s.mu.Lock()
	s.totalBytes -= info.Size()
	s.entryCount--
	s.mu.Unlock()

	return nil
}

func (s *Store) Exists(_ context.Context, key tier.Key) (bool, error) {
	_, err := os.Stat(s.blockPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *Store) Stats(_ context.Context) (tier.TierStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tier.TierStats{
		Tier:        tier.TierFile,
		EntryCount:  s.entryCount,
		TotalBytes:  s.totalBytes,
		CapacityMax: int64(s.cfg.MaxBytes),
	}, nil
}

func (s *Store) Close() error {
	return nil
}
