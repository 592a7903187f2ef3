package tier

import (
	"context"

	"github.com/gftdcojp/epics-archiver-mcp/internal/block"
	"github.com/gftdcojp/epics-archiver-mcp/internal/types"
)

// Re-export types for convenience.
type Tier = types.Tier
type Key = types.Key
type TierStats = types.TierStats

// Re-export constants.
const (
	TierMemory = types.TierMemory
	TierFile   = types.TierFile
	TierBlob   = types.TierBlob
)

// TierStore is the interface every storage tier must implement. Stores
// address blocks by Key.ID().
type TierStore interface {
	Put(ctx context.Context, key Key, blk *block.Block) error
	Get(ctx context.Context, key Key) (*block.Block, error)
	Delete(ctx context.Context, key Key) error
	Exists(ctx context.Context, key Key) (bool, error)
	Stats(ctx context.Context) (TierStats, error)
	Close() error
}

// ObjectKeyer is implemented by stores that can name the remote object
// holding a key.
type ObjectKeyer interface {
	ObjectKey(key Key) string
}
