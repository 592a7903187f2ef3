package tier

import (
	"sort"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/meta"
)

// PolicyEngine evaluates tier demotion policies.
type PolicyEngine struct {
	cfg config.CacheConfig
}

// NewPolicyEngine creates a new policy engine.
func NewPolicyEngine(cfg config.CacheConfig) *PolicyEngine {
	return &PolicyEngine{cfg: cfg}
}

// EvaluateDemotion returns entries that should leave the current tier,
// oldest fetch first.
func (p *PolicyEngine) EvaluateDemotion(
	entries []meta.CacheEntry,
	maxAge time.Duration,
	maxBytes int64,
	maxEntries int,
	now time.Time,
) []meta.CacheEntry {
	if len(entries) == 0 {
		return nil
	}

	sorted := make([]meta.CacheEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].FetchedAt.Before(sorted[j].FetchedAt)
	})

	var candidates []meta.CacheEntry
	seen := make(map[string]bool)
	pick := func(e meta.CacheEntry) {
		if !seen[e.ID] {
			candidates = append(candidates, e)
			seen[e.ID] = true
		}
	}

	// Age-based demotion
	if maxAge > 0 {
		cutoff := now.Add(-maxAge)
		for _, e := range sorted {
			if e.FetchedAt.Before(cutoff) {
				pick(e)
			}
		}
	}

	// Size-based demotion: demote oldest entries until under limit
	if maxBytes > 0 {
		var totalBytes int64
		for _, e := range sorted {
			totalBytes += e.SizeBytes
		}
		for _, e := range sorted {
			if totalBytes <= maxBytes {
				break
			}
			pick(e)
			totalBytes -= e.SizeBytes
		}
	}

	// Count-based demotion: demote oldest entries until under limit
	if maxEntries > 0 {
		remaining := len(sorted)
		for _, e := range sorted {
			if remaining <= maxEntries {
				break
			}
			pick(e)
			remaining--
		}
	}

	return candidates
}

// limits returns the demotion limits of a tier. ok is false for tiers that
// are not demoted by policy.
func (p *PolicyEngine) limits(t Tier) (maxAge time.Duration, maxBytes int64, maxEntries int, ok bool) {
	switch t {
	case TierMemory:
		c := p.cfg.Memory
		return c.MaxAge.Duration(), int64(c.MaxBytes), c.MaxEntries, c.Enabled
	case TierFile:
		c := p.cfg.File
		return c.MaxAge.Duration(), int64(c.MaxBytes), c.MaxEntries, c.Enabled
	}
	return 0, 0, 0, false
}
