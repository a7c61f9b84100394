package cache

import (
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"mprview/internal/logging"
	"mprview/internal/models"
)

// BuildFunc produces a volume on a cache miss
type BuildFunc func() (*models.Volume, error)

// Generations counts invalidations per series. Work started under an older
// generation must not be inserted. The zero value is ready to use.
type Generations struct {
	mu   sync.Mutex
	gens map[string]uint64
}

// Current returns the generation of a series
func (g *Generations) Current(seriesID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gens[seriesID]
}

// Bump advances the generation and runs fn while still holding the lock
func (g *Generations) Bump(seriesID string, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gens == nil {
		g.gens = make(map[string]uint64)
	}
	g.gens[seriesID]++
	fn()
}

// IfCurrent runs fn only when the series is still at generation gen
func (g *Generations) IfCurrent(seriesID string, gen uint64, fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gens[seriesID] != gen {
		return false
	}
	fn()
	return true
}

// VolumeCache maps series ids to reconstructed volumes. Concurrent misses for
// the same series share one build.
type VolumeCache struct {
	lru    *LRU[string, *models.Volume]
	group  singleflight.Group
	gens   Generations
	logger log.Interface
}

// NewVolumeCache creates a volume cache holding at most capacity volumes
func NewVolumeCache(capacity int, logger log.Interface) *VolumeCache {
	return &VolumeCache{
		lru: NewLRU[string, *models.Volume]("volume", capacity, func(v *models.Volume) int64 {
			return int64(v.Bytes())
		}),
		logger: logging.OrDefault(logger),
	}
}

// GetOrBuild returns the cached volume for seriesID, calling build on a miss.
// The build runs without any cache lock held.
func (c *VolumeCache) GetOrBuild(seriesID string, build BuildFunc) (*models.Volume, error) {
	if vol, ok := c.lru.Get(seriesID); ok {
		return vol, nil
	}

	gen := c.gens.Current(seriesID)
	v, err, shared := c.group.Do(flightKey(seriesID, gen), func() (interface{}, error) {
		if vol, ok := c.lru.Peek(seriesID); ok {
			return vol, nil
		}
		vol, err := build()
		if err != nil {
			return nil, err
		}
		c.insert(seriesID, gen, vol)
		return vol, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.WithField("series", seriesID).Debug("joined in-flight volume build")
	}
	return v.(*models.Volume), nil
}

// Rebuild discards any cached volume for seriesID and builds it again
func (c *VolumeCache) Rebuild(seriesID string, build BuildFunc) (*models.Volume, error) {
	c.Invalidate(seriesID)
	return c.GetOrBuild(seriesID, build)
}

// Invalidate drops the cached volume. A build in flight for the series still
// answers its callers but is not inserted.
func (c *VolumeCache) Invalidate(seriesID string) bool {
	var removed bool
	c.gens.Bump(seriesID, func() {
		removed = c.lru.Remove(seriesID)
	})
	c.logger.WithFields(log.Fields{"series": seriesID, "removed": removed}).Debug("volume invalidated")
	return removed
}

// Peek returns a cached volume without building or touching recency
func (c *VolumeCache) Peek(seriesID string) (*models.Volume, bool) {
	return c.lru.Peek(seriesID)
}

// Len returns the number of cached volumes
func (c *VolumeCache) Len() int {
	return c.lru.Len()
}

// Stats returns the cache counters
func (c *VolumeCache) Stats() Stats {
	return c.lru.Stats()
}

func (c *VolumeCache) insert(seriesID string, gen uint64, vol *models.Volume) {
	var evicted bool
	ok := c.gens.IfCurrent(seriesID, gen, func() {
		evicted = c.lru.Add(seriesID, vol)
	})
	fields := log.Fields{
		"series": seriesID,
		"dims":   fmt.Sprintf("%dx%dx%d", vol.Width, vol.Height, vol.Depth),
		"size":   humanize.Bytes(vol.Bytes()),
	}
	if !ok {
		c.logger.WithFields(fields).Info("series invalidated during build, volume not cached")
		return
	}
	if evicted {
		c.logger.WithFields(fields).Debug("volume cached, least recently used volume evicted")
		return
	}
	c.logger.WithFields(fields).Debug("volume cached")
}

func flightKey(key string, gen uint64) string {
	return fmt.Sprintf("%s#%d", key, gen)
}
