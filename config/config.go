// Package config implements attribute validation and default-filling
// for the SLAM back-end, covering every key in spec.md §6.
package config

import (
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// LidarRegistrationMode selects between the two alternatives of
// spec.md §4.3; the spec leaves the runtime-selection policy between
// them configuration-driven (§9 Open Questions item 3).
type LidarRegistrationMode string

const (
	// MultiScan registers each new scan against its recent neighbors (§4.3.1).
	MultiScan LidarRegistrationMode = "multi_scan"
	// ScanToMap registers each new scan against a rolling local map (§4.3.2).
	ScanToMap LidarRegistrationMode = "scan_to_map"
)

// CandidateSearchType selects the loop-closure candidate searcher (§4.6, §6).
type CandidateSearchType string

// EucDist is the only candidate search type defined by spec.md §6.
const EucDist CandidateSearchType = "EUCDIST"

// RefinementType selects the loop-closure / relocalization refiner (§4.6, §6).
type RefinementType string

// Refinement types recognized by the core (spec.md §6).
const (
	ICP  RefinementType = "ICP"
	GICP RefinementType = "GICP"
	NDT  RefinementType = "NDT"
	LOAM RefinementType = "LOAM"
)

// InitMode selects the trajectory initializer's bootstrap strategy (§4.4, §6).
type InitMode string

// Init modes recognized by the core (spec.md §6).
const (
	InitVisual    InitMode = "VISUAL"
	InitLidar     InitMode = "LIDAR"
	InitFrameInit InitMode = "FRAMEINIT"
)

// Diag6 is a 6-value diagonal covariance, used for
// matcher_noise_diagonal, local_mapper_covariance_diag and
// reloc_covariance_diag (spec.md §6).
type Diag6 [6]float64

// Config describes how to configure the SLAM back-end's core. Every
// numeric field corresponds 1:1 to a key in spec.md §6.
type Config struct {
	SubmapSize               float64 `json:"submap_size"`
	LagDuration              float64 `json:"lag_duration"`
	NumNeighbors             int     `json:"num_neighbors"`
	OutlierThresholdT        float64 `json:"outlier_threshold_t"`
	OutlierThresholdR        float64 `json:"outlier_threshold_r"`
	MinMotionTransM          float64 `json:"min_motion_trans_m"`
	MinMotionRotRad          float64 `json:"min_motion_rot_rad"`
	FixFirstScan             bool    `json:"fix_first_scan"`
	DownsampleSize           float64 `json:"downsample_size"`
	MapSize                  int     `json:"map_size"`
	StoreFullCloud           bool    `json:"store_full_cloud"`
	KeyframeMinTimeInSeconds float64 `json:"keyframe_min_time_in_seconds"`
	KeyframeParallax         float64 `json:"keyframe_parallax"`
	KeyframeTracksDrop       int     `json:"keyframe_tracks_drop"`
	WindowSize               int     `json:"window_size"`
	NumFeaturesToTrack       int     `json:"num_features_to_track"`

	Descriptor        string `json:"descriptor"`
	MatcherParamsPath string `json:"matcher_params_path"`

	MatcherNoiseDiagonal      Diag6 `json:"matcher_noise_diagonal"`
	LocalMapperCovarianceDiag Diag6 `json:"local_mapper_covariance_diag"`
	RelocCovarianceDiag       Diag6 `json:"reloc_covariance_diag"`

	RelocCandidateSearchType CandidateSearchType `json:"reloc_candidate_search_type"`
	RelocRefinementType      RefinementType      `json:"reloc_refinement_type"`
	InitMode                 InitMode            `json:"init_mode"`

	LidarRegistrationMode LidarRegistrationMode `json:"lidar_registration_mode"`

	MaxOptimizationS         float64 `json:"max_optimization_s"`
	MinTrajectoryLengthM     float64 `json:"min_trajectory_length_m"`
	MinVisualParallax        float64 `json:"min_visual_parallax"`
	InitializationWindowS    float64 `json:"initialization_window_s"`
	InertialInfoWeight       float64 `json:"inertial_info_weight"`
	ReprojectionInfoWeight   float64 `json:"reprojection_information_weight"`
	LidarInfoWeight          float64 `json:"lidar_information_weight"`
	MaxTriangulationDistance float64 `json:"max_triangulation_distance"`

	Camera        map[string]string `json:"camera"`
	IMU           map[string]string `json:"imu"`
	Lidar         map[string]string `json:"lidar"`
	DataDirectory string            `json:"data_dir"`
}

var (
	errCameraMustHaveName = errors.New("\"camera[name]\" is required")
	errLidarMustHaveName  = errors.New("\"lidar[name]\" is required")
)

// newError returns an error specific to a failure in the SLAM config,
// matching the teacher's single choke-point error wrapper.
func newError(configError string) error {
	return errors.Errorf("SLAM back-end configuration error: %s", configError)
}

// Validate creates the list of implicit dependencies (component names
// referenced by the config) and returns CONFIG_INVALID (spec.md §7) on
// any structural problem: a missing lidar name, camera name or data_dir
// is wrapped via go.viam.com/utils; range and enum violations are
// returned through newError.
func (config *Config) Validate(path string) (map[string]string, error) {
	if config.Lidar == nil || config.Lidar["name"] == "" {
		return nil, utils.NewConfigValidationError(path, errLidarMustHaveName)
	}
	if config.Camera != nil && config.Camera["name"] == "" {
		return nil, utils.NewConfigValidationError(path, errCameraMustHaveName)
	}
	if config.DataDirectory == "" {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "data_dir")
	}
	if config.SubmapSize <= 0 {
		return nil, newError("\"submap_size\" must be positive")
	}
	if config.LagDuration < 0 {
		return nil, newError("cannot specify lag_duration less than zero")
	}
	if config.NumNeighbors < 0 {
		return nil, newError("cannot specify num_neighbors less than zero")
	}
	if config.MapSize < 0 {
		return nil, newError("cannot specify map_size less than zero")
	}
	if config.WindowSize <= 0 {
		return nil, newError("\"window_size\" must be positive")
	}

	switch config.LidarRegistrationMode {
	case "", MultiScan, ScanToMap:
	default:
		return nil, newError("\"lidar_registration_mode\" must be multi_scan or scan_to_map")
	}
	switch config.RelocRefinementType {
	case "", ICP, GICP, NDT, LOAM:
	default:
		return nil, newError("\"reloc_refinement_type\" must be one of ICP, GICP, NDT, LOAM")
	}
	switch config.InitMode {
	case "", InitVisual, InitLidar, InitFrameInit:
	default:
		return nil, newError("\"init_mode\" must be one of VISUAL, LIDAR, FRAMEINIT")
	}

	deps := map[string]string{"lidar": config.Lidar["name"]}
	if config.Camera != nil && config.Camera["name"] != "" {
		deps["camera"] = config.Camera["name"]
	}
	if config.IMU != nil && config.IMU["name"] != "" {
		deps["imu"] = config.IMU["name"]
	}

	return deps, nil
}

// Defaults holds the fallback values GetOptionalParameters applies
// when the corresponding Config field is left at its zero value.
type Defaults struct {
	NumNeighbors             int
	MapSize                  int
	MaxOptimizationS         float64
	LidarRegistrationMode    LidarRegistrationMode
	RelocCandidateSearchType CandidateSearchType
	RelocRefinementType      RefinementType
	InitMode                 InitMode
}

// GetOptionalParameters sets any unset optional config parameters to
// the supplied defaults, in place. Numeric substitutions are logged at
// debug level the way the teacher's GetOptionalParameters does; the
// enum substitutions are applied without a log line.
func GetOptionalParameters(config *Config, defaults Defaults, logger logging.Logger) {
	if config.NumNeighbors == 0 {
		config.NumNeighbors = defaults.NumNeighbors
		logger.Debugf("no num_neighbors given, setting to default value of %d", defaults.NumNeighbors)
	}
	if config.MapSize == 0 {
		config.MapSize = defaults.MapSize
		logger.Debugf("no map_size given, setting to default value of %d", defaults.MapSize)
	}
	if config.MaxOptimizationS == 0 {
		config.MaxOptimizationS = defaults.MaxOptimizationS
		logger.Debugf("no max_optimization_s given, setting to default value of %v", defaults.MaxOptimizationS)
	}
	if config.LidarRegistrationMode == "" {
		config.LidarRegistrationMode = defaults.LidarRegistrationMode
	}
	if config.RelocCandidateSearchType == "" {
		config.RelocCandidateSearchType = defaults.RelocCandidateSearchType
	}
	if config.RelocRefinementType == "" {
		config.RelocRefinementType = defaults.RelocRefinementType
	}
	if config.InitMode == "" {
		config.InitMode = defaults.InitMode
	}
}
