// Package engine wires the slice provider, the volume builder, the caches and
// the reformat, windowing and surface engines into the operations served to
// viewers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"mprview/internal/logging"
	"mprview/internal/models"
	"mprview/pkg/cache"
	"mprview/pkg/config"
	"mprview/pkg/provider"
	"mprview/pkg/reformat"
	"mprview/pkg/stl"
	"mprview/pkg/surface"
	"mprview/pkg/volume"
	"mprview/pkg/windowing"
)

// Service is the reconstruction core. It is safe for concurrent use and holds
// every cache explicitly; there is no package-level state.
type Service struct {
	provider  provider.SliceProvider
	builder   *volume.Builder
	volumes   *cache.VolumeCache
	renders   *cache.RenderCache
	reformat  *reformat.Engine
	windowing *windowing.Engine
	surface   *surface.Reconstructor

	meshes      *cache.LRU[meshKey, *surface.Result]
	meshGens    cache.Generations
	meshFlights singleflight.Group

	// running jobs stay out of the finished LRU so they cannot be evicted
	jobsMu   sync.Mutex
	running  map[string]*surface.Job
	finished *cache.LRU[string, *surface.Job]

	encoding    string
	jpegQuality int
	logger      log.Interface
}

// New builds a service reading series from p
func New(p provider.SliceProvider, cfg *config.Config, logger log.Interface) (*Service, error) {
	if p == nil {
		return nil, errors.New("engine: nil slice provider")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	logger = logging.OrDefault(logger)

	recon, err := surface.NewReconstructor(surface.OptionsFromConfig(cfg), logger.WithField("component", "surface"))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return &Service{
		provider: p,
		builder:  volume.NewBuilder(volume.ParamsFromConfig(cfg), logger.WithField("component", "volume")),
		volumes:  cache.NewVolumeCache(cfg.Cache.VolumeCapacity, logger.WithField("component", "volume_cache")),
		renders:  cache.NewRenderCache(cfg.Cache.RenderCapacity, logger.WithField("component", "render_cache")),
		reformat: reformat.NewEngine(logger.WithField("component", "reformat")),
		windowing: windowing.NewEngine(windowing.Options{
			Enhance:        cfg.Windowing.Enhance,
			LowPercentile:  cfg.Windowing.LowPercentile,
			HighPercentile: cfg.Windowing.HighPercentile,
		}, logger.WithField("component", "windowing")),
		surface:     recon,
		meshes:      cache.NewLRU[meshKey, *surface.Result]("mesh", cfg.Cache.MeshCapacity, meshBytes),
		running:     make(map[string]*surface.Job),
		finished:    cache.NewLRU[string, *surface.Job]("jobs", cfg.Cache.JobCapacity, nil),
		encoding:    cfg.Windowing.Encoding,
		jpegQuality: cfg.Windowing.JPEGQuality,
		logger:      logger,
	}, nil
}

// SeriesIDs lists the series of the provider when it can enumerate them
func (s *Service) SeriesIDs(ctx context.Context) ([]string, error) {
	lister, ok := s.provider.(provider.SeriesLister)
	if !ok {
		return nil, fmt.Errorf("%w: provider cannot list series", models.ErrInvalidRequest)
	}
	return lister.SeriesIDs(ctx)
}

// Volume returns the volume of a series, building it on a cache miss. With
// force set everything cached for the series is dropped first.
//
// A build is shared by every caller waiting for the series, so it runs
// detached from ctx; ctx only decides whether this caller still wants the
// result.
func (s *Service) Volume(ctx context.Context, seriesID string, force bool) (*models.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buildCtx := context.WithoutCancel(ctx)
	build := func() (*models.Volume, error) {
		start := time.Now()
		series, err := s.provider.ListSlices(buildCtx, seriesID)
		if err != nil {
			return nil, err
		}
		vol, err := s.builder.BuildSeries(series)
		if err != nil {
			return nil, err
		}
		s.logger.WithFields(log.Fields{
			"series":   seriesID,
			"dims":     fmt.Sprintf("%dx%dx%d", vol.Width, vol.Height, vol.Depth),
			"size":     humanize.Bytes(vol.Bytes()),
			"duration": time.Since(start),
		}).Info("volume built")
		return vol, nil
	}

	if force {
		s.Invalidate(seriesID)
	}
	vol, err := s.volumes.GetOrBuild(seriesID, build)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return vol, nil
}

// Counts returns the number of slices available per plane
func (s *Service) Counts(ctx context.Context, seriesID string) (reformat.Counts, error) {
	vol, err := s.Volume(ctx, seriesID, false)
	if err != nil {
		return reformat.Counts{}, err
	}
	return reformat.SliceCounts(vol), nil
}

// ReformatResponse is what a viewer gets back for one reformat request
type ReformatResponse struct {
	Image    *models.RenderedImage
	Counts   reformat.Counts
	Window   windowing.Window
	Index    int
	CacheHit bool
}

// Reformat renders one 2D reconstruction. Identical requests are served from
// the render cache and return the same bytes.
func (s *Service) Reformat(ctx context.Context, req models.ReconstructionRequest) (*ReformatResponse, error) {
	if err := validateReformat(&req); err != nil {
		return nil, err
	}
	// taken before the volume: a render of a volume invalidated in between
	// must not be cached
	gen := s.renders.Generation(req.SeriesID)
	vol, err := s.Volume(ctx, req.SeriesID, false)
	if err != nil {
		return nil, err
	}
	key, inverted := renderKey(vol, req)

	img, hit, err := s.renders.GetOrRenderAt(key, gen, func() (*models.RenderedImage, error) {
		return s.renderImage(vol, req, key, inverted)
	})
	if err != nil {
		return nil, err
	}
	return newReformatResponse(vol, img, hit), nil
}

// ReformatUncached renders like Reformat but neither reads nor fills the
// render cache. Bulk exports use it so they do not evict interactive views.
func (s *Service) ReformatUncached(ctx context.Context, req models.ReconstructionRequest) (*ReformatResponse, error) {
	if err := validateReformat(&req); err != nil {
		return nil, err
	}
	vol, err := s.Volume(ctx, req.SeriesID, false)
	if err != nil {
		return nil, err
	}
	key, inverted := renderKey(vol, req)
	img, err := s.renderImage(vol, req, key, inverted)
	if err != nil {
		return nil, err
	}
	return newReformatResponse(vol, img, false), nil
}

func renderKey(vol *models.Volume, req models.ReconstructionRequest) (cache.RenderKey, bool) {
	inverted := vol.Monochrome1
	if req.Invert != nil {
		inverted = *req.Invert
	}
	return cache.NewRenderKey(req, inverted), inverted
}

func newReformatResponse(vol *models.Volume, img *models.RenderedImage, hit bool) *ReformatResponse {
	return &ReformatResponse{
		Image:    img,
		Counts:   reformat.SliceCounts(vol),
		Window:   windowing.Window{Width: img.WindowWidth, Level: img.WindowLevel},
		Index:    img.Index,
		CacheHit: hit,
	}
}

func (s *Service) renderImage(vol *models.Volume, req models.ReconstructionRequest, key cache.RenderKey, inverted bool) (*models.RenderedImage, error) {
	plane, index, err := s.reformat.Reslice(vol, req)
	if err != nil {
		return nil, err
	}
	gray, win := s.windowing.Render(plane, windowing.Params{
		Window:   windowing.Window{Width: req.WindowWidth, Level: req.WindowLevel},
		Invert:   inverted,
		Modality: vol.Modality,
	})
	data, contentType, err := windowing.Encode(gray, s.encoding, s.jpegQuality)
	if err != nil {
		return nil, err
	}
	return &models.RenderedImage{
		Key:         key.String(),
		Data:        data,
		ContentType: contentType,
		Width:       gray.Rect.Dx(),
		Height:      gray.Rect.Dy(),
		WindowWidth: win.Width,
		WindowLevel: win.Level,
		Inverted:    inverted,
		Index:       index,
	}, nil
}

// validateReformat rejects requests the reformat engine cannot serve and
// resolves a named preset into the window
func validateReformat(req *models.ReconstructionRequest) error {
	if req.SeriesID == "" {
		return fmt.Errorf("%w: missing series id", models.ErrInvalidRequest)
	}
	if req.Kind == models.KindBone3D {
		return fmt.Errorf("%w: %s is served by the mesh api", models.ErrInvalidRequest, req.Kind)
	}
	if math.IsNaN(req.WindowWidth) || math.IsNaN(req.WindowLevel) || req.WindowWidth < 0 {
		return fmt.Errorf("%w: window %v/%v", models.ErrInvalidRequest, req.WindowWidth, req.WindowLevel)
	}
	if req.Kind == models.KindCurvedMPR {
		if err := models.ValidateCurve(req.Curve); err != nil {
			return err
		}
	}
	if req.Kind == models.KindRotatingMIP && (math.IsNaN(req.Angle) || math.IsInf(req.Angle, 0)) {
		return fmt.Errorf("%w: rotation angle %v", models.ErrInvalidRequest, req.Angle)
	}
	if req.Preset != "" {
		req.Preset = strings.ToLower(req.Preset)
		win, ok := windowing.Presets[req.Preset]
		if !ok {
			return fmt.Errorf("%w: unknown preset %q", models.ErrInvalidRequest, req.Preset)
		}
		req.WindowWidth, req.WindowLevel = win.Width, win.Level
	}
	return nil
}

type meshKey struct {
	SeriesID   string
	Tissue     surface.Tissue
	Adaptive   bool
	Threshold  float64
	Smoothing  int
	Decimation float64
}

func newMeshKey(seriesID string, p surface.Params) meshKey {
	tissue, _ := surface.ParseTissue(string(p.Tissue))
	k := meshKey{SeriesID: seriesID, Tissue: tissue, Adaptive: p.Threshold == nil, Smoothing: p.Smoothing, Decimation: p.DecimationFactor}
	if p.Threshold != nil {
		k.Threshold = *p.Threshold
	}
	return k
}

func (k meshKey) String() string {
	if k.Adaptive {
		return fmt.Sprintf("%s|%s|auto|%d|%g", k.SeriesID, k.Tissue, k.Smoothing, k.Decimation)
	}
	return fmt.Sprintf("%s|%s|%g|%d|%g", k.SeriesID, k.Tissue, k.Threshold, k.Smoothing, k.Decimation)
}

func meshBytes(r *surface.Result) int64 {
	var n int64
	if r.Mesh != nil {
		n += int64(len(r.Mesh.Vertices)+len(r.Mesh.Normals))*12 + int64(len(r.Mesh.Faces))*12
	}
	for _, p := range r.Projections {
		n += int64(len(p.PNG))
	}
	return n
}

// Mesh reconstructs the tissue surface of a series, bone unless p selects
// another tissue. A projection fallback is a successful result with Fallback
// set. Like volume builds, an extraction is shared and runs detached from ctx.
func (s *Service) Mesh(ctx context.Context, seriesID string, p surface.Params) (*surface.Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Threshold != nil && (math.IsNaN(*p.Threshold) || math.IsInf(*p.Threshold, 0)) {
		return nil, fmt.Errorf("%w: threshold %v", models.ErrInvalidRequest, *p.Threshold)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := newMeshKey(seriesID, p)
	if res, ok := s.meshes.Get(key); ok {
		return res, nil
	}

	gen := s.meshGens.Current(seriesID)
	detached := context.WithoutCancel(ctx)
	v, err, _ := s.meshFlights.Do(fmt.Sprintf("%s#%d", key, gen), func() (interface{}, error) {
		vol, err := s.Volume(detached, seriesID, false)
		if err != nil {
			return nil, err
		}
		res, err := s.surface.Extract(vol, p)
		if err != nil {
			return nil, err
		}
		if !s.meshGens.IfCurrent(seriesID, gen, func() { s.meshes.Add(key, res) }) {
			s.logger.WithField("mesh", key.String()).Debug("series invalidated during extraction, mesh not cached")
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.(*surface.Result), nil
}

// ExportMesh reconstructs the surface and writes it in the given format. A
// fallback result has no mesh to export and yields a *models.MeshExtractionFailure.
func (s *Service) ExportMesh(ctx context.Context, seriesID string, p surface.Params, format stl.Format, w io.Writer) (*surface.Result, error) {
	switch format {
	case stl.FormatSTL, stl.FormatOBJ, stl.FormatVTK:
	default:
		return nil, fmt.Errorf("%w: unknown mesh format %q", models.ErrInvalidRequest, format)
	}
	res, err := s.Mesh(ctx, seriesID, p)
	if err != nil {
		return nil, err
	}
	if res.Fallback || res.Mesh == nil {
		return res, &models.MeshExtractionFailure{Reason: res.Reason}
	}
	if err := stl.Write(w, res.Mesh, format); err != nil {
		return res, fmt.Errorf("writing %s: %w", format, err)
	}
	return res, nil
}

// SubmitMesh starts an asynchronous reconstruction and returns its job
func (s *Service) SubmitMesh(ctx context.Context, seriesID string, p surface.Params) (*surface.Job, error) {
	if seriesID == "" {
		return nil, fmt.Errorf("%w: missing series id", models.ErrInvalidRequest)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	job := surface.NewJob(uuid.NewString(), seriesID, p)
	s.jobsMu.Lock()
	s.running[job.ID] = job
	s.jobsMu.Unlock()
	s.logger.WithFields(log.Fields{"job": job.ID, "series": seriesID}).Info("mesh job submitted")

	go s.runJob(job)
	return job, nil
}

func (s *Service) runJob(job *surface.Job) {
	defer s.retireJob(job)
	logger := s.logger.WithFields(log.Fields{"job": job.ID, "series": job.SeriesID})
	if err := job.Start(); err != nil {
		logger.WithError(err).Error("job could not start")
		return
	}

	res, err := s.Mesh(context.Background(), job.SeriesID, job.Params)
	if err != nil {
		logger.WithError(err).Warn("mesh job failed")
		if ferr := job.Fail(err.Error()); ferr != nil {
			logger.WithError(ferr).Error("recording job failure")
		}
		return
	}
	if err := job.Complete(res); err != nil {
		logger.WithError(err).Error("recording job result")
		return
	}
	logger.WithFields(log.Fields{"fallback": res.Fallback, "faces": res.Stats.Faces}).Info("mesh job completed")
}

// retireJob moves a finished job to the bounded history
func (s *Service) retireJob(job *surface.Job) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	delete(s.running, job.ID)
	s.finished.Add(job.ID, job)
}

// Job looks up a submitted job. Running jobs are always found; finished ones
// until the history evicts them.
func (s *Service) Job(id string) (*surface.Job, bool) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if job, ok := s.running[id]; ok {
		return job, true
	}
	return s.finished.Peek(id)
}

// Invalidation reports what Invalidate dropped
type Invalidation struct {
	Volume  bool `json:"volume"`
	Renders int  `json:"renders"`
	Meshes  int  `json:"meshes"`
}

// Invalidate drops everything cached for a series. Builds and renders in
// flight still answer their callers but are not cached. The volume goes
// first so that a render taken at the new generation cannot see the old
// volume.
func (s *Service) Invalidate(seriesID string) Invalidation {
	inv := Invalidation{
		Volume:  s.volumes.Invalidate(seriesID),
		Renders: s.renders.InvalidateSeries(seriesID),
		Meshes:  s.dropMeshes(seriesID),
	}
	s.logger.WithFields(log.Fields{
		"series":  seriesID,
		"volume":  inv.Volume,
		"renders": inv.Renders,
		"meshes":  inv.Meshes,
	}).Info("series invalidated")
	return inv
}

func (s *Service) dropMeshes(seriesID string) int {
	var removed int
	s.meshGens.Bump(seriesID, func() {
		removed = s.meshes.RemoveFunc(func(k meshKey) bool { return k.SeriesID == seriesID })
	})
	return removed
}

// Stats is a snapshot of the service caches
type Stats struct {
	Volumes cache.Stats `json:"volumes"`
	Renders cache.Stats `json:"renders"`
	Meshes  cache.Stats `json:"meshes"`
	Jobs    int         `json:"jobs"`
	Memory  string      `json:"memory"`
}

// Stats returns the cache counters
func (s *Service) Stats() Stats {
	st := Stats{
		Volumes: s.volumes.Stats(),
		Renders: s.renders.Stats(),
		Meshes:  s.meshes.Stats(),
	}
	s.jobsMu.Lock()
	st.Jobs = len(s.running) + s.finished.Len()
	s.jobsMu.Unlock()
	total := st.Volumes.Bytes + st.Renders.Bytes + st.Meshes.Bytes
	st.Memory = humanize.Bytes(uint64(max(total, 0)))
	return st
}
