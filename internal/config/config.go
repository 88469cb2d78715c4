package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/your-org/plantrack/internal/vision"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Tracking TrackingConfig `yaml:"tracking"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// TrackingConfig carries every configuration key spec.md §6 recognises,
// plus the worker-pool/session knobs the service layer adds around them.
// Field names follow vision.Params one-to-one so cmd/tracker can copy this
// straight into a vision.Params without a lossy translation layer.
type TrackingConfig struct {
	WorkerCount int `yaml:"worker_count"`

	MaxDimension     int `yaml:"max_dimension"`
	MaxTargets       int `yaml:"max_targets"`
	MaxRefFeatures   int `yaml:"max_ref_features"`
	MaxFrameFeatures int `yaml:"max_frame_features"`
	MaxFlowFeatures  int `yaml:"max_flow_features"`

	DetectionInterval int     `yaml:"detection_interval"`
	GoodMatchMin      int     `yaml:"good_match_min"`
	RansacReproj      float64 `yaml:"ransac_reproj"`

	FBThreshold    float64 `yaml:"fb_threshold"`
	FBThresholdMax float64 `yaml:"fb_threshold_max"`

	MinInliers       int     `yaml:"min_inliers"`
	MinInliersStrict int     `yaml:"min_inliers_strict"`
	MaxFlowMag       float64 `yaml:"max_flow_mag"`

	LKWinSize  int     `yaml:"lk_win_size"`
	LKMaxLevel int     `yaml:"lk_max_level"`
	LKMaxIter  int     `yaml:"lk_max_iter"`
	LKEpsilon  float64 `yaml:"lk_epsilon"`

	MaxScaleChange    float64 `yaml:"max_scale_change"`
	MaxRotationChange float64 `yaml:"max_rotation_change"`
	MaxAspectChange   float64 `yaml:"max_aspect_change"`

	MinArea float64 `yaml:"min_area"`

	QualityDegradeFrames   int `yaml:"quality_degrade_frames"`
	FeatureRefreshInterval int `yaml:"feature_refresh_interval"`

	SpatialGrid int `yaml:"spatial_grid"`

	VocabBranching int `yaml:"vocab_branching"`
	VocabLevels    int `yaml:"vocab_levels"`
	VocabTopT      int `yaml:"vocab_top_t"`

	MinCornerAngleDeg float64 `yaml:"min_corner_angle_deg"`
	MaxCornerAngleDeg float64 `yaml:"max_corner_angle_deg"`
	ParallelTolDeg    float64 `yaml:"parallel_tol_deg"`
	MaxAspectRatio    float64 `yaml:"max_aspect_ratio"`

	KalmanSmoothing bool `yaml:"kalman_smoothing"`

	// VocabularyCacheTTL is loaded but not read by any caller; the registry
	// writes cached vocabulary entries with a fixed 7-day TTL.
	VocabularyCacheTTL time.Duration `yaml:"vocabulary_cache_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Tracking.WorkerCount == 0 {
		cfg.Tracking.WorkerCount = 4
	}
	if cfg.Tracking.MaxDimension == 0 {
		cfg.Tracking.MaxDimension = 640
	}
	if cfg.Tracking.MaxTargets == 0 {
		cfg.Tracking.MaxTargets = 20
	}
	if cfg.Tracking.MaxRefFeatures == 0 {
		cfg.Tracking.MaxRefFeatures = 500
	}
	if cfg.Tracking.MaxFrameFeatures == 0 {
		cfg.Tracking.MaxFrameFeatures = 500
	}
	if cfg.Tracking.MaxFlowFeatures == 0 {
		cfg.Tracking.MaxFlowFeatures = 100
	}
	if cfg.Tracking.DetectionInterval == 0 {
		cfg.Tracking.DetectionInterval = 10
	}
	if cfg.Tracking.GoodMatchMin == 0 {
		cfg.Tracking.GoodMatchMin = 20
	}
	if cfg.Tracking.RansacReproj == 0 {
		cfg.Tracking.RansacReproj = 5.0
	}
	if cfg.Tracking.FBThreshold == 0 {
		cfg.Tracking.FBThreshold = 1.0
	}
	if cfg.Tracking.FBThresholdMax == 0 {
		cfg.Tracking.FBThresholdMax = 2.0
	}
	if cfg.Tracking.MinInliers == 0 {
		cfg.Tracking.MinInliers = 16
	}
	if cfg.Tracking.MinInliersStrict == 0 {
		cfg.Tracking.MinInliersStrict = 24
	}
	if cfg.Tracking.LKWinSize == 0 {
		cfg.Tracking.LKWinSize = 30
	}
	if cfg.Tracking.LKMaxLevel == 0 {
		cfg.Tracking.LKMaxLevel = 5
	}
	if cfg.Tracking.LKMaxIter == 0 {
		cfg.Tracking.LKMaxIter = 10
	}
	if cfg.Tracking.LKEpsilon == 0 {
		cfg.Tracking.LKEpsilon = 0.03
	}
	if cfg.Tracking.MaxScaleChange == 0 {
		cfg.Tracking.MaxScaleChange = 1.5
	}
	if cfg.Tracking.MaxRotationChange == 0 {
		cfg.Tracking.MaxRotationChange = 45
	}
	if cfg.Tracking.MaxAspectChange == 0 {
		cfg.Tracking.MaxAspectChange = 0.5
	}
	if cfg.Tracking.MinArea == 0 {
		cfg.Tracking.MinArea = 100
	}
	if cfg.Tracking.QualityDegradeFrames == 0 {
		cfg.Tracking.QualityDegradeFrames = 3
	}
	if cfg.Tracking.FeatureRefreshInterval == 0 {
		cfg.Tracking.FeatureRefreshInterval = 30
	}
	if cfg.Tracking.SpatialGrid == 0 {
		cfg.Tracking.SpatialGrid = 4
	}
	if cfg.Tracking.VocabBranching == 0 {
		cfg.Tracking.VocabBranching = 10
	}
	if cfg.Tracking.VocabLevels == 0 {
		cfg.Tracking.VocabLevels = 2
	}
	if cfg.Tracking.VocabTopT == 0 {
		cfg.Tracking.VocabTopT = 5
	}
	if cfg.Tracking.MinCornerAngleDeg == 0 {
		cfg.Tracking.MinCornerAngleDeg = 45
	}
	if cfg.Tracking.MaxCornerAngleDeg == 0 {
		cfg.Tracking.MaxCornerAngleDeg = 135
	}
	if cfg.Tracking.ParallelTolDeg == 0 {
		cfg.Tracking.ParallelTolDeg = 25
	}
	if cfg.Tracking.MaxAspectRatio == 0 {
		cfg.Tracking.MaxAspectRatio = 5
	}
	if cfg.Tracking.VocabularyCacheTTL == 0 {
		cfg.Tracking.VocabularyCacheTTL = 7 * 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PT_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("PT_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("PT_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("PT_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("PT_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("PT_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("PT_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("PT_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("PT_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("PT_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("PT_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("PT_TRACKING_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tracking.WorkerCount = n
		}
	}
	if v := os.Getenv("PT_TRACKING_MAX_FRAME_FEATURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tracking.MaxFrameFeatures = n
		}
	}
	if v := os.Getenv("PT_TRACKING_KALMAN_SMOOTHING"); v != "" {
		cfg.Tracking.KalmanSmoothing = v == "true" || v == "1"
	}
}

// ToParams translates the YAML-facing TrackingConfig into vision.Params.
// Kept here rather than in the vision package so vision has no dependency
// on config's YAML tags.
func (t TrackingConfig) ToParams() vision.Params {
	return vision.Params{
		MaxDimension:     t.MaxDimension,
		MaxTargets:       t.MaxTargets,
		MaxRefFeatures:   t.MaxRefFeatures,
		MaxFrameFeatures: t.MaxFrameFeatures,
		MaxFlowFeatures:  t.MaxFlowFeatures,

		DetectionInterval: t.DetectionInterval,
		GoodMatchMin:      t.GoodMatchMin,
		RansacReproj:      t.RansacReproj,

		FBThreshold:    t.FBThreshold,
		FBThresholdMax: t.FBThresholdMax,

		MinInliers:       t.MinInliers,
		MinInliersStrict: t.MinInliersStrict,
		MaxFlowMag:       t.MaxFlowMag,

		LKWinSize:  t.LKWinSize,
		LKMaxLevel: t.LKMaxLevel,
		LKMaxIter:  t.LKMaxIter,
		LKEpsilon:  t.LKEpsilon,

		MaxScaleChange:    t.MaxScaleChange,
		MaxRotationChange: t.MaxRotationChange,
		MaxAspectChange:   t.MaxAspectChange,

		MinArea: t.MinArea,

		QualityDegradeFrames:   t.QualityDegradeFrames,
		FeatureRefreshInterval: t.FeatureRefreshInterval,

		SpatialGrid: t.SpatialGrid,

		VocabBranching: t.VocabBranching,
		VocabLevels:    t.VocabLevels,
		VocabTopT:      t.VocabTopT,

		MinCornerAngleDeg: t.MinCornerAngleDeg,
		MaxCornerAngleDeg: t.MaxCornerAngleDeg,
		ParallelTolDeg:    t.ParallelTolDeg,
		MaxAspectRatio:    t.MaxAspectRatio,

		KalmanSmoothing: t.KalmanSmoothing,
	}
}
