package meta

import (
	"fmt"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Migrate runs any pending schema migrations.
func (s *BoltStore) Migrate() error {
	var version uint64
	s.db.View(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return nil
		}
		v := sys.Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})

	if version < 2 {
		if err := s.migrateV1toV2(); err != nil {
			return fmt.Errorf("migration v1→v2: %w", err)
		}
	}

	return nil
}

// migrateV1toV2 builds the per-PV index from the existing entries.
func (s *BoltStore) migrateV1toV2() error {
	indexed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		idx, err := tx.CreateBucketIfNotExists(bucketPVIndex)
		if err != nil {
			return err
		}

		entries := tx.Bucket(bucketEntries)
		if entries != nil {
			err := entries.ForEach(func(k, v []byte) error {
				entry, err := decodeEntry(v)
				if err != nil {
					return fmt.Errorf("decoding entry %s: %w", k, err)
				}
				indexed++
				return idx.Put(pvIndexKey(entry.PV, entry.Start, entry.End), k)
			})
			if err != nil {
				return err
			}
		}

		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("system bucket not found")
		}
		return sys.Put(keySchemaVersion, uint64ToBytes(2))
	})
	if err == nil {
		s.logger.Info("metadata schema migrated", zap.Int("to_version", 2), zap.Int("indexed_entries", indexed))
	}
	return err
}
