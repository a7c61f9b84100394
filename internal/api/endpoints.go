package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"mprview/internal/models"
	"mprview/pkg/engine"
	"mprview/pkg/reformat"
	"mprview/pkg/stl"
	"mprview/pkg/surface"
	"mprview/pkg/windowing"
)

// SeriesEndpoint lists series, reports per-plane slice counts, rebuilds
// volumes and invalidates cached state.
//
// GET  /api/series
// GET  /api/series/:id/counts
// POST /api/series/:id/rebuild
// POST /api/series/:id/invalidate
func SeriesEndpoint(grp gin.IRouter, svc *engine.Service) {
	grp.GET("series", func(ctx *gin.Context) {
		ids, err := svc.SeriesIDs(ctx.Request.Context())
		if err != nil {
			abortRequest(ctx, 0, err)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		ctx.JSON(http.StatusOK, ids)
	})

	grp.GET("series/:id/counts", func(ctx *gin.Context) {
		counts, err := svc.Counts(ctx.Request.Context(), ctx.Param("id"))
		if err != nil {
			abortRequest(ctx, 0, err)
			return
		}
		ctx.JSON(http.StatusOK, counts)
	})

	grp.POST("series/:id/rebuild", func(ctx *gin.Context) {
		vol, err := svc.Volume(ctx.Request.Context(), ctx.Param("id"), true)
		if err != nil {
			abortRequest(ctx, 0, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"width":        vol.Width,
			"height":       vol.Height,
			"depth":        vol.Depth,
			"spacing":      []float64{vol.Spacing.Z, vol.Spacing.Y, vol.Spacing.X},
			"sourceSlices": vol.SourceSlices,
			"skipped":      vol.SkippedSlices,
			"interpolated": vol.Interpolated,
		})
	})

	grp.POST("series/:id/invalidate", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, svc.Invalidate(ctx.Param("id")))
	})
}

// reformatResponse is the JSON form of a reformat, selected with format=json
type reformatResponse struct {
	Image       []byte           `json:"image"`
	ContentType string           `json:"contentType"`
	Width       int              `json:"width"`
	Height      int              `json:"height"`
	Index       int              `json:"index"`
	Window      windowing.Window `json:"window"`
	Inverted    bool             `json:"inverted"`
	Counts      reformat.Counts  `json:"counts"`
	CacheHit    bool             `json:"cacheHit"`
}

// ReformatEndpoint renders 2D reconstructions. The image is returned as is
// with its metadata in X- headers, or wrapped in JSON with format=json.
//
// GET /api/series/:id/reformat?kind=&plane=&index=&slabStart=&slabThickness=&reducer=&angle=&ww=&wl=&invert=&preset=&curve=
func ReformatEndpoint(grp gin.IRouter, svc *engine.Service) {
	grp.GET("series/:id/reformat", func(ctx *gin.Context) {
		req, err := parseReformat(ctx)
		if err != nil {
			abortRequest(ctx, http.StatusBadRequest, err)
			return
		}

		resp, err := svc.Reformat(ctx.Request.Context(), req)
		if err != nil {
			abortRequest(ctx, 0, err)
			return
		}

		img := resp.Image
		if ctx.Query("format") == "json" {
			ctx.JSON(http.StatusOK, reformatResponse{
				Image:       img.Data,
				ContentType: img.ContentType,
				Width:       img.Width,
				Height:      img.Height,
				Index:       resp.Index,
				Window:      resp.Window,
				Inverted:    img.Inverted,
				Counts:      resp.Counts,
				CacheHit:    resp.CacheHit,
			})
			return
		}

		cache := "MISS"
		if resp.CacheHit {
			cache = "HIT"
		}
		h := ctx.Writer.Header()
		h.Set("X-Cache", cache)
		h.Set("X-Slice-Index", strconv.Itoa(resp.Index))
		h.Set("X-Window-Width", strconv.FormatFloat(resp.Window.Width, 'f', -1, 64))
		h.Set("X-Window-Level", strconv.FormatFloat(resp.Window.Level, 'f', -1, 64))
		h.Set("X-Slice-Counts", fmt.Sprintf("%d,%d,%d", resp.Counts.Axial, resp.Counts.Sagittal, resp.Counts.Coronal))
		ctx.Data(http.StatusOK, img.ContentType, img.Data)
	})
}

func parseReformat(ctx *gin.Context) (models.ReconstructionRequest, error) {
	req := models.ReconstructionRequest{SeriesID: ctx.Param("id"), Preset: ctx.Query("preset")}

	var err error
	if req.Kind, err = models.ParseKind(ctx.Query("kind")); err != nil {
		return req, err
	}
	if req.Plane, err = models.ParsePlane(ctx.Query("plane")); err != nil {
		return req, err
	}
	if req.Reducer, err = models.ParseReducer(ctx.Query("reducer")); err != nil {
		return req, err
	}
	if req.Index, err = getNumberParamDefault(ctx, "index", 0); err != nil {
		return req, err
	}
	if req.SlabStart, err = getNumberParamDefault(ctx, "slabStart", 0); err != nil {
		return req, err
	}
	if req.SlabThickness, err = getNumberParamDefault(ctx, "slabThickness", 0); err != nil {
		return req, err
	}
	if req.Angle, err = getFloatParamDefault(ctx, "angle", 0); err != nil {
		return req, err
	}
	if req.WindowWidth, err = getFloatParamDefault(ctx, "ww", 0); err != nil {
		return req, err
	}
	if req.WindowLevel, err = getFloatParamDefault(ctx, "wl", 0); err != nil {
		return req, err
	}
	if v := ctx.Query("invert"); v != "" {
		inv, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("%w: invert %q", models.ErrInvalidRequest, v)
		}
		req.Invert = &inv
	}
	if v := ctx.Query("curve"); v != "" {
		if req.Curve, err = parseCurve(v); err != nil {
			return req, err
		}
	}
	return req, nil
}

// parseCurve reads "x,y;x,y;..." in voxel units
func parseCurve(s string) ([]models.Point2, error) {
	var pts []models.Point2
	for _, pair := range strings.Split(s, ";") {
		xy := strings.Split(strings.TrimSpace(pair), ",")
		if len(xy) != 2 {
			return nil, fmt.Errorf("%w: curve point %q", models.ErrInvalidRequest, pair)
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(xy[0]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(xy[1]), 64)
		if errX != nil || errY != nil {
			return nil, fmt.Errorf("%w: curve point %q", models.ErrInvalidRequest, pair)
		}
		pts = append(pts, models.Point2{X: x, Y: y})
	}
	if err := models.ValidateCurve(pts); err != nil {
		return nil, err
	}
	return pts, nil
}

// meshRequest is the body of a mesh request. Every field is optional.
type meshRequest struct {
	Threshold        *float64 `json:"threshold"`
	Smoothing        int      `json:"smoothing"`
	DecimationFactor float64  `json:"decimationFactor"`
	Tissue           string   `json:"tissue"`
	WantMesh         bool     `json:"wantMesh"`
}

func (r meshRequest) params() surface.Params {
	return surface.Params{
		Threshold:        r.Threshold,
		Smoothing:        r.Smoothing,
		DecimationFactor: r.DecimationFactor,
		Tissue:           surface.Tissue(r.Tissue),
	}
}

type meshResponse struct {
	Status      surface.Status       `json:"status"`
	Fallback    bool                 `json:"fallback"`
	Reason      string               `json:"reason,omitempty"`
	Tissue      surface.Tissue       `json:"tissue"`
	Threshold   float64              `json:"threshold"`
	Upper       *float64             `json:"upper,omitempty"`
	MaskVoxels  int                  `json:"maskVoxels"`
	Backend     string               `json:"backend"`
	Stats       models.MeshStats     `json:"stats"`
	Vertices    [][3]float32         `json:"vertices,omitempty"`
	Faces       [][3]uint32          `json:"faces,omitempty"`
	Projections []surface.Projection `json:"projections,omitempty"`
	Duration    string               `json:"duration"`
}

func newMeshResponse(res *surface.Result, wantMesh bool) meshResponse {
	out := meshResponse{
		Status:      surface.StatusCompleted,
		Fallback:    res.Fallback,
		Reason:      res.Reason,
		Tissue:      res.Tissue,
		Threshold:   res.Threshold,
		Upper:       res.Upper,
		MaskVoxels:  res.MaskVoxels,
		Backend:     res.Backend,
		Stats:       res.Stats,
		Projections: res.Projections,
		Duration:    res.Duration.String(),
	}
	if wantMesh && res.Mesh != nil {
		out.Vertices, out.Faces = res.Mesh.Vertices, res.Mesh.Faces
	}
	return out
}

func bindMeshRequest(ctx *gin.Context) (meshRequest, error) {
	var req meshRequest
	if err := ctx.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	return req, nil
}

// MeshEndpoint reconstructs tissue surfaces synchronously, exports meshes and
// submits asynchronous mesh jobs.
//
// POST /api/series/:id/mesh
// GET  /api/series/:id/mesh/:format?threshold=&smoothing=&decimationFactor=&tissue=
// POST /api/series/:id/mesh/jobs
func MeshEndpoint(grp gin.IRouter, svc *engine.Service) {
	grp.POST("series/:id/mesh", func(ctx *gin.Context) {
		req, err := bindMeshRequest(ctx)
		if err != nil {
			abortRequest(ctx, http.StatusBadRequest, err)
			return
		}
		res, err := svc.Mesh(ctx.Request.Context(), ctx.Param("id"), req.params())
		if err != nil {
			abortRequest(ctx, 0, err)
			return
		}
		ctx.JSON(http.StatusOK, newMeshResponse(res, req.WantMesh))
	})

	grp.GET("series/:id/mesh/:format", func(ctx *gin.Context) {
		p := surface.Params{Tissue: surface.Tissue(ctx.Query("tissue"))}
		if v := ctx.Query("threshold"); v != "" {
			t, err := strconv.ParseFloat(v, 64)
			if err != nil {
				abortRequest(ctx, http.StatusBadRequest, fmt.Errorf("%w: threshold %q", models.ErrInvalidRequest, v))
				return
			}
			p.Threshold = &t
		}
		var err error
		if p.Smoothing, err = getNumberParamDefault(ctx, "smoothing", 0); err != nil {
			abortRequest(ctx, http.StatusBadRequest, err)
			return
		}
		if p.DecimationFactor, err = getFloatParamDefault(ctx, "decimationFactor", 0); err != nil {
			abortRequest(ctx, http.StatusBadRequest, err)
			return
		}

		format := stl.Format(strings.ToLower(ctx.Param("format")))
		var buf bytes.Buffer
		if _, err := svc.ExportMesh(ctx.Request.Context(), ctx.Param("id"), p, format, &buf); err != nil {
			abortRequest(ctx, 0, err)
			return
		}
		ctx.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ctx.Param("id")+"."+string(format)))
		ctx.Data(http.StatusOK, format.ContentType(), buf.Bytes())
	})

	grp.POST("series/:id/mesh/jobs", func(ctx *gin.Context) {
		req, err := bindMeshRequest(ctx)
		if err != nil {
			abortRequest(ctx, http.StatusBadRequest, err)
			return
		}
		job, err := svc.SubmitMesh(ctx.Request.Context(), ctx.Param("id"), req.params())
		if err != nil {
			abortRequest(ctx, 0, err)
			return
		}
		st := job.State()
		ctx.JSON(http.StatusAccepted, gin.H{"id": st.ID, "status": st.Status})
	})
}

// JobEndpoint reports the state of a mesh job. The mesh itself is only
// included with mesh=true.
//
// GET /api/jobs/:id
func JobEndpoint(grp gin.IRouter, svc *engine.Service) {
	grp.GET("jobs/:id", func(ctx *gin.Context) {
		job, ok := svc.Job(ctx.Param("id"))
		if !ok {
			abortRequest(ctx, http.StatusNotFound, fmt.Errorf("job %s not found", ctx.Param("id")))
			return
		}
		st := job.State()
		body := gin.H{
			"id":        st.ID,
			"seriesId":  st.SeriesID,
			"status":    st.Status,
			"fallback":  st.Fallback,
			"createdAt": st.CreatedAt,
			"updatedAt": st.UpdatedAt,
		}
		if st.Reason != "" {
			body["reason"] = st.Reason
		}
		if st.Result != nil {
			body["result"] = newMeshResponse(st.Result, ctx.Query("mesh") == "true")
		}
		ctx.JSON(http.StatusOK, body)
	})
}

// CacheEndpoint reports cache statistics.
//
// GET /api/cache/stats
func CacheEndpoint(grp gin.IRouter, svc *engine.Service) {
	grp.GET("cache/stats", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, svc.Stats())
	})
}

// PresetsEndpoint lists the named window presets.
//
// GET /api/presets
func PresetsEndpoint(grp gin.IRouter) {
	grp.GET("presets", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, windowing.Presets)
	})
}

// getNumberParamDefault returns the query parameter name parsed as an
// integer, or def when it is not set.
func getNumberParamDefault(ctx *gin.Context, name string, def int) (int, error) {
	v := ctx.Query(name)
	if v == "" {
		return def, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", models.ErrInvalidRequest, name, v)
	}
	return int(i), nil
}

// getFloatParamDefault is getNumberParamDefault for decimal values
func getFloatParamDefault(ctx *gin.Context, name string, def float64) (float64, error) {
	v := ctx.Query(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", models.ErrInvalidRequest, name, v)
	}
	return f, nil
}
