package types

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Tier identifies which storage tier a cached response resides in.
type Tier int

const (
	TierMemory Tier = iota
	TierFile
	TierBlob
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierFile:
		return "file"
	case TierBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name. gob relies on it too, since Tier
// implements encoding.TextMarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	v, ok := ParseTier(string(b))
	if !ok {
		return fmt.Errorf("unknown tier %q", b)
	}
	*t = v
	return nil
}

// ParseTier looks up a tier by name.
func ParseTier(name string) (Tier, bool) {
	switch name {
	case "memory":
		return TierMemory, true
	case "file":
		return TierFile, true
	case "blob":
		return TierBlob, true
	default:
		return 0, false
	}
}

// Key identifies one archiver response: a PV over a closed time window.
type Key struct {
	PV    string
	Start time.Time
	End   time.Time
}

// ID is a stable 16-hex-digit hash of the key, used as the file name, object
// key and index key in every tier. Keys that differ only in time zone share
// an ID.
func (k Key) ID() string {
	// Seconds and nanoseconds separately: UnixNano only covers 1678-2262.
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(k.Start.Unix()))
	binary.BigEndian.PutUint32(buf[8:12], uint32(k.Start.Nanosecond()))
	binary.BigEndian.PutUint64(buf[12:20], uint64(k.End.Unix()))
	binary.BigEndian.PutUint32(buf[20:24], uint32(k.End.Nanosecond()))

	d := xxhash.New()
	d.WriteString(k.PV)
	d.Write([]byte{0})
	d.Write(buf[:])
	return fmt.Sprintf("%016x", d.Sum64())
}

func (k Key) String() string {
	return fmt.Sprintf("%s[%s,%s]", k.PV,
		k.Start.UTC().Format(time.RFC3339Nano), k.End.UTC().Format(time.RFC3339Nano))
}

// TierStats reports usage for a single tier.
type TierStats struct {
	Tier        Tier  `json:"tier"`
	EntryCount  int64 `json:"entry_count"`
	TotalBytes  int64 `json:"total_bytes"`
	CapacityMax int64 `json:"capacity_max"` // -1 for unlimited (blob tier)
}
