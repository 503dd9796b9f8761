// Package arpianovisualizer estimates the webcam's pose in real time from
// fiducial markers placed around the keyboard and publishes it as the render
// camera's transform.
package arpianovisualizer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"

	"github.com/Glitch752/ARPianoVisualizer/calibration"
	"github.com/Glitch752/ARPianoVisualizer/fiducials"
	"github.com/Glitch752/ARPianoVisualizer/solver"
	"github.com/Glitch752/ARPianoVisualizer/utils"
)

var (
	FiducialPoseTracker = resource.NewModel("viam", "ar-piano-visualizer", "fiducial-pose-tracker")

	// ErrAcquisitionEmpty means the frame source produced no usable frame
	// this tick; the previous camera transform is kept.
	ErrAcquisitionEmpty = errors.New("no frame captured from webcam")

	// ErrSolveFailed means the pose solver ran but found no valid pose.
	ErrSolveFailed = errors.New("pose solve found no valid pose")
)

func init() {
	resource.RegisterService(genericservice.API, FiducialPoseTracker,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newFiducialPoseTracker,
		},
	)
}

type Config struct {
	CameraName      string  `json:"camera_name"`
	DetectorName    string  `json:"detector_name"`
	CalibrationPath string  `json:"calibration_path"`
	UpdateRateHz    float64 `json:"update_rate_hz"`
	// FlipAxis names the axis whose sign differs between the vision frame
	// and the render frame: "x", "y", "z" or "none". The vision convention
	// has Y pointing down while the render convention has Y up, so the
	// default is "y". Getting this wrong silently produces a mirrored or
	// upside-down camera, which is why it is a tested config value and not
	// an inline negation.
	FlipAxis             string  `json:"flip_axis"`
	MaxReprojectionErrPx float64 `json:"max_reprojection_error_px"`
	EnableOnStart        bool    `json:"enable_on_start"`
}

// Validate ensures all parts of the config are valid and important fields exist.
// Returns implicit required (first return) and optional (second return) dependencies based on the config.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.CameraName == "" {
		return nil, nil, errors.New("camera_name is required")
	}
	if cfg.DetectorName == "" {
		return nil, nil, errors.New("detector_name is required")
	}
	if cfg.CalibrationPath == "" {
		return nil, nil, errors.New("calibration_path is required")
	}
	if cfg.UpdateRateHz < 0 {
		return nil, nil, errors.New("update_rate_hz must not be negative")
	}
	// Set defaults for optional parameters
	if cfg.UpdateRateHz == 0 {
		cfg.UpdateRateHz = 30.0
	}
	if cfg.FlipAxis == "" {
		cfg.FlipAxis = "y"
	}
	if _, err := utils.AxisFlipVector(cfg.FlipAxis); err != nil {
		return nil, nil, err
	}
	if cfg.MaxReprojectionErrPx < 0 {
		return nil, nil, errors.New("max_reprojection_error_px must be greater than or equal to 0")
	}
	if cfg.MaxReprojectionErrPx == 0 {
		cfg.MaxReprojectionErrPx = 2.0
	}
	return []string{cfg.CameraName, cfg.DetectorName}, nil, nil
}

// FrameSource hands out the most recent camera frame. A nil or empty image
// means no new frame is available this tick.
type FrameSource interface {
	LatestFrame(ctx context.Context) (image.Image, error)
}

// MarkerDetector finds fiducial markers in a frame. The order of corners
// within each detection is a fixed contract this module depends on but does
// not control.
type MarkerDetector interface {
	DetectMarkers(ctx context.Context, frame image.Image) ([]fiducials.Detection, error)
}

type fiducialPoseTracker struct {
	resource.AlwaysRebuild

	name resource.Name

	logger logging.Logger
	cfg    *Config

	cancelCtx  context.Context
	cancelFunc func()

	frames     FrameSource
	detector   MarkerDetector
	registry   fiducials.CornerSource
	intrinsics *calibration.Intrinsics
	solver     solver.Solver
	flip       r3.Vector

	// mu serializes exactly one frame through the pipeline at a time and
	// guards everything below it.
	mu      sync.Mutex
	rvec    [3]float64 // solver output buffers, reused frame over frame
	tvec    [3]float64
	pose    *referenceframe.PoseInFrame // last good camera transform
	solved  bool                        // a pose has been published at least once
	enabled bool

	activeBackgroundWorkers sync.WaitGroup
}

func newFiducialPoseTracker(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewFiducialPoseTracker(ctx, deps, rawConf.ResourceName(), conf, logger)
}

// NewFiducialPoseTracker wires the tracking pipeline from its collaborators:
// a camera to pull frames from, a detector service to find markers, and the
// calibration file for intrinsics. A missing or malformed calibration file
// is a fatal construction error; there is no degraded mode without
// intrinsics.
func NewFiducialPoseTracker(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	intrinsics, err := calibration.Load(conf.CalibrationPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load camera calibration: %w", err)
	}

	flip, err := utils.AxisFlipVector(conf.FlipAxis)
	if err != nil {
		return nil, err
	}

	cam, err := camera.FromDependencies(deps, conf.CameraName)
	if err != nil {
		return nil, fmt.Errorf("failed to get camera %q: %w", conf.CameraName, err)
	}

	det, ok := deps[genericservice.Named(conf.DetectorName)]
	if !ok {
		return nil, fmt.Errorf("failed to get marker detector %q", conf.DetectorName)
	}

	planar := solver.NewPlanarSolver()
	planar.MaxReprojErrorPx = conf.MaxReprojectionErrPx

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	s := &fiducialPoseTracker{
		name:       name,
		logger:     logger,
		cfg:        conf,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		frames:     &cameraFrameSource{cam: cam},
		detector:   &doCommandDetector{res: det},
		registry:   fiducials.DefaultRegistry(),
		intrinsics: intrinsics,
		solver:     planar,
		flip:       flip,
		pose:       referenceframe.NewPoseInFrame(referenceframe.World, spatialmath.NewZeroPose()),
		enabled:    conf.EnableOnStart,
	}

	s.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		s.trackingLoop(s.cancelCtx)
	})
	s.logger.Info("fiducial pose tracker started")

	return s, nil
}

func (s *fiducialPoseTracker) Name() resource.Name {
	return s.name
}

// tickInterval converts an update rate to a ticker period. A non-positive
// rate falls back to the default so a config that skipped Validate cannot
// produce a zero or negative period.
func tickInterval(hz float64) time.Duration {
	if hz <= 0 {
		hz = 30.0
	}
	return time.Duration(float64(time.Second) / hz)
}

func (s *fiducialPoseTracker) trackingLoop(ctx context.Context) {
	interval := tickInterval(s.cfg.UpdateRateHz)
	s.logger.Infof("tracking every %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			enabled := s.enabled
			s.mu.Unlock()
			if !enabled {
				continue
			}

			if err := s.trackOnce(ctx); err != nil {
				s.logTrackingError(err)
			}
		}
	}
}

// logTrackingError maps the per-frame error taxonomy onto log levels: losing
// sight of the markers is routine, a correspondence mismatch is a contract
// violation worth shouting about.
func (s *fiducialPoseTracker) logTrackingError(err error) {
	var mismatch *fiducials.MismatchError
	switch {
	case errors.Is(err, ErrAcquisitionEmpty):
		s.logger.Debug(err)
	case errors.Is(err, fiducials.ErrNoTargets):
		s.logger.Debug(err)
	case errors.As(err, &mismatch):
		s.logger.Errorf("likely detector or registry bug: %v", err)
	case errors.Is(err, ErrSolveFailed):
		s.logger.Debug(err)
	case errors.Is(err, ErrDegeneratePose):
		s.logger.Warnf("rejected pose update: %v", err)
	default:
		s.logger.Warn(err)
	}
}

// trackOnce runs one frame through the pipeline:
// acquire -> detect -> correspond -> solve -> convert -> publish.
// Any failure abandons the frame and keeps the previous transform; nothing
// is retried until the next tick.
func (s *fiducialPoseTracker) trackOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frame, err := s.frames.LatestFrame(ctx)
	if err != nil {
		return fmt.Errorf("acquiring frame: %w", err)
	}
	if frame == nil || frame.Bounds().Empty() {
		return ErrAcquisitionEmpty
	}

	detections, err := s.detector.DetectMarkers(ctx, frame)
	if err != nil {
		return fmt.Errorf("detecting markers: %w", err)
	}
	if len(detections) == 0 {
		return fiducials.ErrNoTargets
	}

	correspondences, err := fiducials.BuildCorrespondences(s.registry, detections)
	if err != nil {
		return err
	}

	found, err := s.solver.Solve(correspondences.World, correspondences.Image, s.intrinsics, &s.rvec, &s.tvec)
	if err != nil {
		return fmt.Errorf("solving pose: %w", err)
	}
	if !found {
		return ErrSolveFailed
	}

	pose, err := RenderCameraPose(s.rvec, s.tvec, s.flip)
	if err != nil {
		return err
	}

	s.pose = referenceframe.NewPoseInFrame(referenceframe.World, pose)
	s.solved = true
	s.logger.Debugf("camera transform updated: %v", pose.Point())
	return nil
}

// CameraTransform returns the last good camera transform in the world
// frame. Before the first successful solve this is the zero pose.
func (s *fiducialPoseTracker) CameraTransform() *referenceframe.PoseInFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pose
}

func (s *fiducialPoseTracker) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.New("command must be a string")
	}

	switch command {
	case "get_pose":
		s.mu.Lock()
		defer s.mu.Unlock()
		return map[string]interface{}{
			"parent": s.pose.Parent(),
			"pose":   utils.PoseToMap(s.pose.Pose()),
			"solved": s.solved,
		}, nil
	case "enable":
		s.mu.Lock()
		defer s.mu.Unlock()
		s.enabled = true
		return map[string]interface{}{"enabled": true}, nil
	case "disable":
		s.mu.Lock()
		defer s.mu.Unlock()
		s.enabled = false
		return map[string]interface{}{"enabled": false}, nil
	case "status":
		s.mu.Lock()
		defer s.mu.Unlock()
		return map[string]interface{}{
			"enabled": s.enabled,
			"solved":  s.solved,
		}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

func (s *fiducialPoseTracker) Close(context.Context) error {
	s.cancelFunc()
	s.activeBackgroundWorkers.Wait()
	return nil
}

// cameraFrameSource pulls the latest color frame from a viam camera.
type cameraFrameSource struct {
	cam camera.Camera
}

func (c *cameraFrameSource) LatestFrame(ctx context.Context) (image.Image, error) {
	imgs, _, err := c.cam.Images(ctx, []string{"color"}, nil)
	if err != nil {
		return nil, err
	}
	if len(imgs) == 0 {
		return nil, nil
	}
	return imgs[0].Image(ctx)
}

// doCommandDetector sends frames to an external marker detector service and
// parses the detections out of its response.
type doCommandDetector struct {
	res resource.Resource
}

func (d *doCommandDetector) DetectMarkers(ctx context.Context, frame image.Image) ([]fiducials.Detection, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame); err != nil {
		return nil, fmt.Errorf("encoding frame for detector: %w", err)
	}

	resp, err := d.res.DoCommand(ctx, map[string]interface{}{
		"command": "detect_markers",
		"image":   base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return nil, err
	}
	return fiducials.DetectionsFromDoCommand(resp)
}
