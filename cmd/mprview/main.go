package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"mprview/internal/api"
	"mprview/internal/logging"
	"mprview/internal/models"
	"mprview/pkg/config"
	"mprview/pkg/engine"
	"mprview/pkg/provider"
	"mprview/pkg/stl"
	"mprview/pkg/surface"
	"mprview/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "mprview.yaml", "Path to the YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write the default configuration to -config and exit")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	root := flag.String("root", "", "Directory holding one sub-directory of DICOM files per series (overrides server.dicomRoot)")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (overrides processing.numCores)")
	logLevel := flag.String("log-level", "", "Log level (overrides log.level)")
	series := flag.String("series", "", "Series to reconstruct once instead of serving")
	output := flag.String("output", "", "Mesh file written for -series; the extension selects stl, obj or vtk")
	threshold := flag.Float64("threshold", 0, "Iso threshold for -series; 0 selects the adaptive threshold")
	smoothing := flag.Int("smoothing", 0, "Laplacian smoothing iterations for -series")
	tissue := flag.String("tissue", "", "Tissue to reconstruct for -series: bone, brain, soft_tissue or generic")
	slicesDir := flag.String("slices-dir", "", "Also save every axial, sagittal and coronal slice of -series to this directory")
	window := flag.String("window", "", "Window preset for -slices-dir (default: automatic)")
	rotateStep := flag.Float64("rotate-step", 0, "Also save a rotating maximum intensity projection every this many degrees to -slices-dir")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *root != "" {
		cfg.Server.DicomRoot = *root
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	dicomDir := provider.NewDicomDir(cfg.Server.DicomRoot, cfg.Processing.NumCores, logger.WithField("component", "provider"))
	svc, err := engine.New(dicomDir, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create engine")
	}

	if *series != "" {
		p := surface.Params{Smoothing: *smoothing, Tissue: surface.Tissue(*tissue)}
		if *threshold != 0 {
			p.Threshold = threshold
		}
		if err := reconstructOnce(svc, logger, *series, *output, p); err != nil {
			logger.WithError(err).Fatal("reconstruction failed")
		}
		if *slicesDir != "" {
			if err := saveSlices(svc, cfg, logger, *series, *window, *rotateStep, *slicesDir); err != nil {
				logger.WithError(err).Fatal("slice export failed")
			}
		}
		return
	}

	if err := serve(svc, cfg, logger); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
}

// reconstructOnce builds one series and writes its mesh, or its fallback
// projections as PNG files next to the output path
func reconstructOnce(svc *engine.Service, logger log.Interface, seriesID, output string, p surface.Params) error {
	if output == "" {
		output = seriesID + ".stl"
	}
	format := stl.Format(strings.TrimPrefix(strings.ToLower(filepath.Ext(output)), "."))

	start := time.Now()
	vol, err := svc.Volume(context.Background(), seriesID, false)
	if err != nil {
		return err
	}
	logger.WithFields(log.Fields{
		"series":       seriesID,
		"dims":         fmt.Sprintf("%dx%dx%d", vol.Width, vol.Height, vol.Depth),
		"spacing":      fmt.Sprintf("%.3f/%.3f/%.3f", vol.Spacing.Z, vol.Spacing.Y, vol.Spacing.X),
		"skipped":      vol.SkippedSlices,
		"interpolated": vol.Interpolated,
		"size":         humanize.Bytes(vol.Bytes()),
	}).Info("volume ready")

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	res, err := svc.ExportMesh(context.Background(), seriesID, p, format, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}

	if res != nil && res.Fallback {
		os.Remove(output)
		dir := strings.TrimSuffix(output, filepath.Ext(output)) + "_projections"
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create projection directory: %w", err)
		}
		for _, proj := range res.Projections {
			path := filepath.Join(dir, proj.Name+".png")
			if err := os.WriteFile(path, proj.PNG, 0644); err != nil {
				return fmt.Errorf("failed to write projection: %w", err)
			}
		}
		logger.WithFields(log.Fields{
			"reason":      res.Reason,
			"projections": len(res.Projections),
			"dir":         dir,
		}).Warn("no surface extracted, projections written instead")
		return nil
	}
	if err != nil {
		os.Remove(output)
		return err
	}

	info, _ := os.Stat(output)
	var size uint64
	if info != nil {
		size = uint64(info.Size())
	}
	logger.WithFields(log.Fields{
		"output":    output,
		"vertices":  res.Stats.Vertices,
		"faces":     res.Stats.Faces,
		"area_mm2":  fmt.Sprintf("%.1f", res.Stats.Area),
		"threshold": res.Threshold,
		"size":      humanize.Bytes(size),
		"duration":  time.Since(start).Round(time.Millisecond),
	}).Info("mesh written")
	return nil
}

// saveSlices writes the slice sequence of each orthogonal plane into its own
// sub-directory of dir, plus the rotating projection when rotateStep is set
func saveSlices(svc *engine.Service, cfg *config.Config, logger log.Interface, seriesID, preset string, rotateStep float64, dir string) error {
	viewer := visualization.NewViewer(svc, cfg.Processing.NumCores, logger.WithField("component", "visualization"))
	for _, plane := range []models.Plane{models.Axial, models.Sagittal, models.Coronal} {
		req := models.ReconstructionRequest{SeriesID: seriesID, Kind: models.KindMPR, Plane: plane, Preset: preset}
		if _, err := viewer.SaveSliceSequence(context.Background(), req, filepath.Join(dir, plane.String())); err != nil {
			return err
		}
	}
	if rotateStep > 0 {
		req := models.ReconstructionRequest{SeriesID: seriesID, Reducer: models.ReduceMax, Preset: preset}
		if _, err := viewer.SaveRotatingSequence(context.Background(), req, rotateStep, filepath.Join(dir, "rotating")); err != nil {
			return err
		}
	}
	return nil
}

// serve runs the HTTP API until SIGINT or SIGTERM
func serve(svc *engine.Service, cfg *config.Config, logger log.Interface) error {
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewRouter(svc, cfg.Server.RequestTimeout, logger.WithField("component", "api")),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{
			"addr":    cfg.Server.Addr,
			"root":    cfg.Server.DicomRoot,
			"cores":   cfg.Processing.NumCores,
			"volumes": cfg.Cache.VolumeCapacity,
			"renders": cfg.Cache.RenderCapacity,
		}).Info("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	st := svc.Stats()
	logger.WithFields(log.Fields{
		"volume_hit_rate": fmt.Sprintf("%.2f", st.Volumes.HitRate),
		"render_hit_rate": fmt.Sprintf("%.2f", st.Renders.HitRate),
		"memory":          st.Memory,
	}).Info("stopped")
	return nil
}
