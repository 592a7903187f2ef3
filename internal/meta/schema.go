package meta

import (
	"encoding/binary"
	"errors"
	"slices"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/types"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketEntries    = []byte("entries")
	keySchemaVersion = []byte("schema_version")

	// Schema v2: pv name + window -> entry ID
	bucketPVIndex = []byte("pv_index")
)

const currentSchemaVersion = 2

var ErrNotFound = errors.New("cache entry not found")

// CacheEntry is the metadata record for one cached archiver response.
type CacheEntry struct {
	ID          string       `json:"id"`
	PV          string       `json:"pv"`
	Start       time.Time    `json:"start"`
	End         time.Time    `json:"end"`
	FetchedAt   time.Time    `json:"fetched_at"`
	SizeBytes   int64        `json:"size_bytes"` // encoded block
	DataBytes   int64        `json:"data_bytes"` // archiver response
	SampleCount int          `json:"sample_count"`
	CurrentTier types.Tier   `json:"current_tier"` // hottest tier (= Tiers[0])
	Tiers       []types.Tier `json:"tiers"`        // all tiers holding this entry, hot→cold order
	S3Key       string       `json:"s3_key,omitempty"`
	DemotedAt   time.Time    `json:"demoted_at,omitzero"`
}

// HasTier reports whether t holds this entry.
func (e *CacheEntry) HasTier(t types.Tier) bool {
	return slices.Contains(e.Tiers, t)
}

// Key returns the cache key for this entry.
func (e *CacheEntry) Key() types.Key {
	return types.Key{PV: e.PV, Start: e.Start, End: e.End}
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// pvIndexKey orders entries of one PV by window start, then end.
func pvIndexKey(pv string, start, end time.Time) []byte {
	k := make([]byte, 0, len(pv)+17)
	k = append(k, pv...)
	k = append(k, 0)
	k = binary.BigEndian.AppendUint64(k, uint64(start.UnixNano()))
	k = binary.BigEndian.AppendUint64(k, uint64(end.UnixNano()))
	return k
}

func pvIndexPrefix(pv string) []byte {
	return append([]byte(pv), 0)
}
