package delivery

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/paket-core/router/pkg/types"
)

// cacheKey identifies one projected state of one package. A new event
// changes LatestEventID, so stale entries are simply never hit again and
// age out of the LRU.
type cacheKey struct {
	EscrowPubkey  string
	LatestEventID int64
}

type cacheEntry struct {
	Record types.PackageRecord
	Events []types.Event
}

type projectionCache struct {
	entries *lru.Cache[cacheKey, cacheEntry]
}

func newProjectionCache(size int) (*projectionCache, error) {
	entries, err := lru.New[cacheKey, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &projectionCache{entries: entries}, nil
}

func (c *projectionCache) get(key cacheKey) (cacheEntry, bool) {
	return c.entries.Get(key)
}

func (c *projectionCache) put(key cacheKey, entry cacheEntry) {
	c.entries.Add(key, entry)
}
