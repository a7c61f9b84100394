// Package config provides configuration loading and management for mprview.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Volume building parameters. The thin-stack and isotropy constants are
	// empirical and tunable.
	Volume struct {
		// ThinStackThreshold is the slice count below which depth is cubic-resampled
		ThinStackThreshold int `yaml:"thinStackThreshold"`

		// SparseStackThreshold separates thin stacks from very sparse stacks
		SparseStackThreshold int `yaml:"sparseStackThreshold"`

		// ThinStackMinDepth and ThinStackFactor give max(min, count*factor) for thin stacks
		ThinStackMinDepth int `yaml:"thinStackMinDepth"`
		ThinStackFactor   int `yaml:"thinStackFactor"`

		// SparseStackMinDepth and SparseStackFactor give max(min, count*factor) for sparse stacks
		SparseStackMinDepth int `yaml:"sparseStackMinDepth"`
		SparseStackFactor   int `yaml:"sparseStackFactor"`

		// AnisotropyTolerance is the relative spacing mismatch tolerated before resampling
		AnisotropyTolerance float64 `yaml:"anisotropyTolerance"`

		// MaxDepth caps the depth produced by the isotropy pass
		MaxDepth int `yaml:"maxDepth"`
	} `yaml:"volume"`

	// Cache capacities
	Cache struct {
		// VolumeCapacity is the number of volumes kept in memory
		VolumeCapacity int `yaml:"volumeCapacity"`

		// RenderCapacity is the number of encoded images kept in memory
		RenderCapacity int `yaml:"renderCapacity"`

		// MeshCapacity is the number of surface results kept for export
		MeshCapacity int `yaml:"meshCapacity"`

		// JobCapacity is the number of mesh jobs whose state stays queryable
		JobCapacity int `yaml:"jobCapacity"`
	} `yaml:"cache"`

	// Windowing parameters
	Windowing struct {
		// Enhance turns on modality-aware contrast enhancement
		Enhance bool `yaml:"enhance"`

		// LowPercentile and HighPercentile bound the automatic window
		LowPercentile  float64 `yaml:"lowPercentile"`
		HighPercentile float64 `yaml:"highPercentile"`

		// Encoding is png or jpeg
		Encoding string `yaml:"encoding"`

		// JPEGQuality is used when Encoding is jpeg
		JPEGQuality int `yaml:"jpegQuality"`
	} `yaml:"windowing"`

	// Surface reconstruction parameters
	Surface struct {
		// AdaptiveK is the number of standard deviations above the mean for the adaptive threshold
		AdaptiveK float64 `yaml:"adaptiveK"`

		// ThresholdFloor is the lowest adaptive threshold allowed
		ThresholdFloor float64 `yaml:"thresholdFloor"`

		// ClosingRadius and OpeningRadius are the ball radii of the morphological cleanup, in voxels
		ClosingRadius int `yaml:"closingRadius"`
		OpeningRadius int `yaml:"openingRadius"`

		// MinComponentVoxels removes connected components smaller than this
		MinComponentVoxels int `yaml:"minComponentVoxels"`

		// DecimationMinFaces is the face count above which decimation applies
		DecimationMinFaces int `yaml:"decimationMinFaces"`

		// DecimationFactor is the default fraction of faces kept
		DecimationFactor float64 `yaml:"decimationFactor"`

		// FallbackAngles are the rotation angles in degrees of the fallback projections
		FallbackAngles []float64 `yaml:"fallbackAngles"`

		// Backend selects the isosurface extractor: native or sdfx
		Backend string `yaml:"backend"`

		// Seed drives the decimation sampler; 0 picks a time-based seed
		Seed int64 `yaml:"seed"`
	} `yaml:"surface"`

	// Server parameters
	Server struct {
		// Addr is the HTTP listen address
		Addr string `yaml:"addr"`

		// DicomRoot is the directory holding one sub-directory per series
		DicomRoot string `yaml:"dicomRoot"`

		// RequestTimeout bounds a single reformat or mesh request
		RequestTimeout time.Duration `yaml:"requestTimeout"`
	} `yaml:"server"`

	// Log parameters
	Log struct {
		// Level is one of debug, info, warn, error, fatal
		Level string `yaml:"level"`

		// Format is text or json
		Format string `yaml:"format"`

		// File enables rotated file output when set
		File string `yaml:"file"`

		// MaxSize is the size in megabytes of a log file before rotation
		MaxSize int `yaml:"maxSize"`

		// MaxAge is the number of days rotated files are kept
		MaxAge int `yaml:"maxAge"`

		// MaxBackups is the number of rotated files kept
		MaxBackups int `yaml:"maxBackups"`
	} `yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()

	cfg.Volume.ThinStackThreshold = 32
	cfg.Volume.SparseStackThreshold = 8
	cfg.Volume.ThinStackMinDepth = 32
	cfg.Volume.ThinStackFactor = 4
	cfg.Volume.SparseStackMinDepth = 64
	cfg.Volume.SparseStackFactor = 8
	cfg.Volume.AnisotropyTolerance = 0.05
	cfg.Volume.MaxDepth = 2048

	cfg.Cache.VolumeCapacity = 6
	cfg.Cache.RenderCapacity = 800
	cfg.Cache.MeshCapacity = 4
	cfg.Cache.JobCapacity = 256

	cfg.Windowing.Enhance = true
	cfg.Windowing.LowPercentile = 1
	cfg.Windowing.HighPercentile = 99
	cfg.Windowing.Encoding = "png"
	cfg.Windowing.JPEGQuality = 90

	cfg.Surface.AdaptiveK = 1.5
	cfg.Surface.ThresholdFloor = 150
	cfg.Surface.ClosingRadius = 3
	cfg.Surface.OpeningRadius = 2
	cfg.Surface.MinComponentVoxels = 1000
	cfg.Surface.DecimationMinFaces = 10000
	cfg.Surface.DecimationFactor = 0.8
	cfg.Surface.FallbackAngles = []float64{0, 45, 90, 135, 180, 225, 270, 315}
	cfg.Surface.Backend = "native"

	cfg.Server.Addr = ":8080"
	cfg.Server.DicomRoot = "series"
	cfg.Server.RequestTimeout = 2 * time.Minute

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.MaxSize = 100
	cfg.Log.MaxAge = 28
	cfg.Log.MaxBackups = 3

	return cfg
}

// Validate checks the configuration for values the engine cannot work with
func (c *Config) Validate() error {
	if c.Processing.NumCores < 1 {
		return fmt.Errorf("processing.numCores must be positive, got %d", c.Processing.NumCores)
	}
	if c.Cache.VolumeCapacity < 1 || c.Cache.RenderCapacity < 1 || c.Cache.MeshCapacity < 1 || c.Cache.JobCapacity < 1 {
		return fmt.Errorf("cache capacities must be positive, got %d/%d/%d/%d",
			c.Cache.VolumeCapacity, c.Cache.RenderCapacity, c.Cache.MeshCapacity, c.Cache.JobCapacity)
	}
	if c.Volume.MaxDepth < 2 {
		return fmt.Errorf("volume.maxDepth must be at least 2, got %d", c.Volume.MaxDepth)
	}
	if c.Volume.AnisotropyTolerance < 0 {
		return fmt.Errorf("volume.anisotropyTolerance must not be negative")
	}
	if c.Windowing.LowPercentile < 0 || c.Windowing.HighPercentile > 100 || c.Windowing.LowPercentile >= c.Windowing.HighPercentile {
		return fmt.Errorf("windowing percentiles out of order: %v/%v", c.Windowing.LowPercentile, c.Windowing.HighPercentile)
	}
	switch c.Windowing.Encoding {
	case "png", "jpeg":
	default:
		return fmt.Errorf("windowing.encoding must be png or jpeg, got %q", c.Windowing.Encoding)
	}
	if c.Surface.DecimationFactor <= 0 || c.Surface.DecimationFactor > 1 {
		return fmt.Errorf("surface.decimationFactor must be in (0,1], got %v", c.Surface.DecimationFactor)
	}
	switch c.Surface.Backend {
	case "native", "sdfx":
	default:
		return fmt.Errorf("surface.backend must be native or sdfx, got %q", c.Surface.Backend)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
