package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Store provides durable metadata tracking for cached responses across all
// tiers.
type Store interface {
	RecordEntry(ctx context.Context, entry CacheEntry) error
	GetEntry(ctx context.Context, id string) (*CacheEntry, error)
	ListEntries(ctx context.Context, tierFilter *types.Tier) ([]CacheEntry, error)
	ListByPV(ctx context.Context, pv string) ([]CacheEntry, error)
	AddTierPresence(ctx context.Context, id string, t types.Tier) error
	RemoveTierPresence(ctx context.Context, id string, t types.Tier) (*CacheEntry, error)
	UpdateS3Key(ctx context.Context, id, s3Key string) error
	DeleteEntry(ctx context.Context, id string) error

	Ping() error
	Close() error
}

// Option tunes the underlying bbolt database.
type Option func(*bbolt.Options)

// WithNoSync skips fsync after each commit.
func WithNoSync(noSync bool) Option {
	return func(o *bbolt.Options) {
		o.NoSync = noSync
	}
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a BoltDB metadata store, creating its parent
// directory if needed.
func NewBoltStore(path string, logger *zap.Logger, opts ...Option) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata dir: %w", err)
	}

	boltOpts := &bbolt.Options{Timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(boltOpts)
	}

	db, err := bbolt.Open(path, 0600, boltOpts)
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		v := sys.Get(keySchemaVersion)
		if v == nil {
			if _, err := tx.CreateBucketIfNotExists(bucketPVIndex); err != nil {
				return err
			}
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Migrate()
}

func encodeEntry(entry *CacheEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*CacheEntry, error) {
	var entry CacheEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) RecordEntry(_ context.Context, entry CacheEntry) error {
	if entry.ID == "" {
		entry.ID = entry.Key().ID()
	}
	if len(entry.Tiers) > 0 {
		entry.CurrentTier = entry.Tiers[0]
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := encodeEntry(&entry)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketEntries).Put([]byte(entry.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketPVIndex).Put(pvIndexKey(entry.PV, entry.Start, entry.End), []byte(entry.ID))
	})
}

func (s *BoltStore) GetEntry(_ context.Context, id string) (*CacheEntry, error) {
	var entry *CacheEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var err error
		entry, err = decodeEntry(raw)
		return err
	})
	return entry, err
}

func (s *BoltStore) ListEntries(_ context.Context, tierFilter *types.Tier) ([]CacheEntry, error) {
	var entries []CacheEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			entry, err := decodeEntry(v)
			if err != nil {
				return err
			}
			if tierFilter != nil && !entry.HasTier(*tierFilter) {
				return nil
			}
			entries = append(entries, *entry)
			return nil
		})
	})
	return entries, err
}

// ListByPV returns the entries of one PV ordered by window start.
func (s *BoltStore) ListByPV(_ context.Context, pv string) ([]CacheEntry, error) {
	var entries []CacheEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		entriesBucket := tx.Bucket(bucketEntries)
		prefix := pvIndexPrefix(pv)
		c := tx.Bucket(bucketPVIndex).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			raw := entriesBucket.Get(v)
			if raw == nil {
				continue
			}
			entry, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			entries = append(entries, *entry)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) AddTierPresence(_ context.Context, id string, t types.Tier) error {
	return s.update(id, func(entry *CacheEntry) {
		if entry.HasTier(t) {
			return
		}
		entry.Tiers = append(entry.Tiers, t)
		slices.Sort(entry.Tiers)
		entry.CurrentTier = entry.Tiers[0]
	})
}

// RemoveTierPresence drops t from the entry's tiers and returns the updated
// entry. An entry left with no tiers is still recorded; callers delete it.
func (s *BoltStore) RemoveTierPresence(_ context.Context, id string, t types.Tier) (*CacheEntry, error) {
	var updated CacheEntry
	err := s.update(id, func(entry *CacheEntry) {
		entry.Tiers = slices.DeleteFunc(entry.Tiers, func(x types.Tier) bool {
			return x == t
		})
		if len(entry.Tiers) > 0 {
			entry.CurrentTier = entry.Tiers[0]
		}
		entry.DemotedAt = time.Now()
		updated = *entry
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *BoltStore) UpdateS3Key(_ context.Context, id, s3Key string) error {
	return s.update(id, func(entry *CacheEntry) {
		entry.S3Key = s3Key
	})
}

func (s *BoltStore) update(id string, fn func(*CacheEntry)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		raw := entries.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		entry, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		fn(entry)

		data, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		return entries.Put([]byte(id), data)
	})
}

func (s *BoltStore) DeleteEntry(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		raw := entries.Get([]byte(id))
		if raw == nil {
			return nil
		}

		entry, err := decodeEntry(raw)
		if err != nil {
			return err
		}

		if err := entries.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketPVIndex).Delete(pvIndexKey(entry.PV, entry.Start, entry.End))
	})
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
