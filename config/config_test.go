package config

import (
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"go.viam.com/utils"
)

const testCfgPath = "services.slam-fusion.attributes.fake"

func makeConfig() *Config {
	return &Config{
		Lidar:        map[string]string{"name": "mylidar"},
		DataDirectory: "/tmp/slam-fusion",
		SubmapSize:   10,
		WindowSize:   5,
	}
}

func TestValidate(t *testing.T) {
	t.Run("empty config is missing lidar name", func(t *testing.T) {
		cfg := &Config{}
		_, err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldBeError, utils.NewConfigValidationError(testCfgPath, errLidarMustHaveName))
	})

	t.Run("simplest valid config", func(t *testing.T) {
		cfg := makeConfig()
		deps, err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, deps["lidar"], test.ShouldEqual, "mylidar")
		_, hasCamera := deps["camera"]
		test.That(t, hasCamera, test.ShouldBeFalse)
	})

	t.Run("camera present without name is rejected", func(t *testing.T) {
		cfg := makeConfig()
		cfg.Camera = map[string]string{"name": ""}
		_, err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldBeError, utils.NewConfigValidationError(testCfgPath, errCameraMustHaveName))
	})

	t.Run("camera and imu deps surface when named", func(t *testing.T) {
		cfg := makeConfig()
		cfg.Camera = map[string]string{"name": "mycam"}
		cfg.IMU = map[string]string{"name": "myimu"}
		deps, err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, deps["camera"], test.ShouldEqual, "mycam")
		test.That(t, deps["imu"], test.ShouldEqual, "myimu")
	})

	t.Run("missing data_dir", func(t *testing.T) {
		cfg := makeConfig()
		cfg.DataDirectory = ""
		_, err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldBeError, utils.NewConfigValidationFieldRequiredError(testCfgPath, "data_dir"))
	})

	t.Run("non-positive submap_size rejected", func(t *testing.T) {
		cfg := makeConfig()
		cfg.SubmapSize = 0
		_, err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldBeError, newError("\"submap_size\" must be positive"))
	})

	t.Run("negative lag_duration rejected", func(t *testing.T) {
		cfg := makeConfig()
		cfg.LagDuration = -1
		_, err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldBeError, newError("cannot specify lag_duration less than zero"))
	})

	t.Run("negative num_neighbors rejected", func(t *testing.T) {
		cfg := makeConfig()
		cfg.NumNeighbors = -1
		_, err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldBeError, newError("cannot specify num_neighbors less than zero"))
	})

	t.Run("negative map_size rejected", func(t *testing.T) {
		cfg := makeConfig()
		cfg.MapSize = -1
		_, err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldBeError, newError("cannot specify map_size less than zero"))
	})

	t.Run("non-positive window_size rejected", func(t *testing.T) {
		cfg := makeConfig()
		cfg.WindowSize = 0
		_, err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldBeError, newError("\"window_size\" must be positive"))
	})

	t.Run("invalid lidar_registration_mode rejected", func(t *testing.T) {
		cfg := makeConfig()
		cfg.LidarRegistrationMode = "bogus"
		_, err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldBeError, newError("\"lidar_registration_mode\" must be multi_scan or scan_to_map"))
	})

	t.Run("invalid reloc_refinement_type rejected", func(t *testing.T) {
		cfg := makeConfig()
		cfg.RelocRefinementType = "bogus"
		_, err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldBeError, newError("\"reloc_refinement_type\" must be one of ICP, GICP, NDT, LOAM"))
	})

	t.Run("invalid init_mode rejected", func(t *testing.T) {
		cfg := makeConfig()
		cfg.InitMode = "bogus"
		_, err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldBeError, newError("\"init_mode\" must be one of VISUAL, LIDAR, FRAMEINIT"))
	})

	t.Run("valid enum values accepted", func(t *testing.T) {
		cfg := makeConfig()
		cfg.LidarRegistrationMode = ScanToMap
		cfg.RelocRefinementType = GICP
		cfg.InitMode = InitLidar
		_, err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldBeNil)
	})
}

func TestGetOptionalParameters(t *testing.T) {
	logger := logging.NewTestLogger(t)
	defaults := Defaults{
		NumNeighbors:             5,
		MapSize:                  100000,
		MaxOptimizationS:         3,
		LidarRegistrationMode:    MultiScan,
		RelocCandidateSearchType: EucDist,
		RelocRefinementType:      ICP,
		InitMode:                 InitVisual,
	}

	t.Run("fills in zero-valued fields with defaults", func(t *testing.T) {
		cfg := makeConfig()
		GetOptionalParameters(cfg, defaults, logger)
		test.That(t, cfg.NumNeighbors, test.ShouldEqual, 5)
		test.That(t, cfg.MapSize, test.ShouldEqual, 100000)
		test.That(t, cfg.MaxOptimizationS, test.ShouldEqual, 3.0)
		test.That(t, cfg.LidarRegistrationMode, test.ShouldEqual, MultiScan)
		test.That(t, cfg.RelocCandidateSearchType, test.ShouldEqual, EucDist)
		test.That(t, cfg.RelocRefinementType, test.ShouldEqual, ICP)
		test.That(t, cfg.InitMode, test.ShouldEqual, InitVisual)
	})

	t.Run("leaves explicitly set fields untouched", func(t *testing.T) {
		cfg := makeConfig()
		cfg.NumNeighbors = 12
		cfg.LidarRegistrationMode = ScanToMap
		GetOptionalParameters(cfg, defaults, logger)
		test.That(t, cfg.NumNeighbors, test.ShouldEqual, 12)
		test.That(t, cfg.LidarRegistrationMode, test.ShouldEqual, ScanToMap)
	})
}
