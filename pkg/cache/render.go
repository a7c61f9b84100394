package cache

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/DmitriyVTitov/size"
	"github.com/apex/log"
	"golang.org/x/sync/singleflight"

	"mprview/internal/logging"
	"mprview/internal/models"
)

// RenderKey identifies one encoded image. Window values are rounded so that
// requests differing only by float noise share an entry.
type RenderKey struct {
	SeriesID      string
	Plane         models.Plane
	Kind          models.Kind
	Index         int
	SlabThickness int
	Reducer       models.Reducer
	WindowWidth   int64
	WindowLevel   int64
	Inverted      bool
	Preset        string
	Curve         uint64

	// Angle is the rotation of a rotating projection in tenths of a degree
	Angle int64
}

// NewRenderKey derives the key of a request. Index is the requested slice for
// MPR and the slab start for projections; it is taken before clamping.
func NewRenderKey(req models.ReconstructionRequest, inverted bool) RenderKey {
	k := RenderKey{
		SeriesID:    req.SeriesID,
		Plane:       req.Plane,
		Kind:        req.Kind,
		WindowWidth: roundWindow(req.WindowWidth),
		WindowLevel: roundWindow(req.WindowLevel),
		Inverted:    inverted,
		Preset:      req.Preset,
	}
	switch req.Kind {
	case models.KindMPR:
		k.Index = req.Index
	case models.KindThickSlab:
		k.Index, k.SlabThickness, k.Reducer = req.SlabStart, req.SlabThickness, req.Reducer
	case models.KindMIP, models.KindMinIP, models.KindMeanIP:
		if req.SlabThickness > 0 {
			k.Index, k.SlabThickness = req.SlabStart, req.SlabThickness
		}
	case models.KindCurvedMPR:
		k.Plane = models.Axial
		k.Curve = curveDigest(req.Curve)
	case models.KindRotatingMIP:
		k.Plane = models.Axial
		k.Reducer = req.Reducer
		k.Angle = roundWindow(math.Mod(req.Angle, 360) * 10)
		if k.Angle < 0 {
			k.Angle += 3600
		}
		if k.Angle == 3600 {
			k.Angle = 0
		}
	}
	return k
}

func (k RenderKey) String() string {
	s := fmt.Sprintf("%s/%s/%s/%d", k.SeriesID, k.Kind, k.Plane, k.Index)
	if k.SlabThickness > 0 {
		s += fmt.Sprintf("+%d/%s", k.SlabThickness, k.Reducer)
	}
	if k.Curve != 0 {
		s += fmt.Sprintf("/curve-%016x", k.Curve)
	}
	if k.Kind == models.KindRotatingMIP {
		s += fmt.Sprintf("/rot%d/%s", k.Angle, k.Reducer)
	}
	s += fmt.Sprintf("/w%d,%d", k.WindowWidth, k.WindowLevel)
	if k.Preset != "" {
		s += "/" + k.Preset
	}
	if k.Inverted {
		s += "/inv"
	}
	return s
}

func roundWindow(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(math.Round(v))
}

// curveDigest hashes the control points of a curved reformat path
func curveDigest(points []models.Point2) uint64 {
	if len(points) == 0 {
		return 0
	}
	h := fnv.New64a()
	var buf [16]byte
	for _, p := range points {
		binary.LittleEndian.PutUint64(buf[:8], math.Float64bits(p.X))
		binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(p.Y))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// RenderFunc produces an encoded image on a cache miss
type RenderFunc func() (*models.RenderedImage, error)

// RenderCache holds encoded images. Renders for the same key coalesce.
type RenderCache struct {
	lru    *LRU[RenderKey, *models.RenderedImage]
	group  singleflight.Group
	gens   Generations
	logger log.Interface
}

// NewRenderCache creates a render cache holding at most capacity images
func NewRenderCache(capacity int, logger log.Interface) *RenderCache {
	return &RenderCache{
		lru: NewLRU[RenderKey, *models.RenderedImage]("render", capacity, func(img *models.RenderedImage) int64 {
			return int64(size.Of(img))
		}),
		logger: logging.OrDefault(logger),
	}
}

// GetOrRender returns the cached image for key, or calls render and caches its
// result. The boolean reports a cache hit.
func (c *RenderCache) GetOrRender(key RenderKey, render RenderFunc) (*models.RenderedImage, bool, error) {
	return c.GetOrRenderAt(key, c.Generation(key.SeriesID), render)
}

// Generation returns the invalidation generation of a series. Callers that
// read the source volume themselves take it before doing so and pass it to
// GetOrRenderAt.
func (c *RenderCache) Generation(seriesID string) uint64 {
	return c.gens.Current(seriesID)
}

// GetOrRenderAt is GetOrRender for a render whose inputs were read at
// generation gen. The result is not cached when the series has been
// invalidated since.
func (c *RenderCache) GetOrRenderAt(key RenderKey, gen uint64, render RenderFunc) (*models.RenderedImage, bool, error) {
	if img, ok := c.lru.Get(key); ok {
		return img, true, nil
	}

	v, err, _ := c.group.Do(flightKey(key.String(), gen), func() (interface{}, error) {
		if img, ok := c.lru.Peek(key); ok {
			return img, nil
		}
		img, err := render()
		if err != nil {
			return nil, err
		}
		if !c.gens.IfCurrent(key.SeriesID, gen, func() { c.lru.Add(key, img) }) {
			c.logger.WithField("key", key.String()).Debug("series invalidated during render, image not cached")
		}
		return img, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*models.RenderedImage), false, nil
}

// InvalidateSeries drops every image rendered from seriesID
func (c *RenderCache) InvalidateSeries(seriesID string) int {
	var removed int
	c.gens.Bump(seriesID, func() {
		removed = c.lru.RemoveFunc(func(k RenderKey) bool { return k.SeriesID == seriesID })
	})
	c.logger.WithFields(log.Fields{"series": seriesID, "removed": removed}).Debug("renders invalidated")
	return removed
}

// Len returns the number of cached images
func (c *RenderCache) Len() int {
	return c.lru.Len()
}

// Stats returns the cache counters
func (c *RenderCache) Stats() Stats {
	return c.lru.Stats()
}
