package arpianovisualizer

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"

	"github.com/Glitch752/ARPianoVisualizer/calibration"
	"github.com/Glitch752/ARPianoVisualizer/fiducials"
	"github.com/Glitch752/ARPianoVisualizer/solver"
	"github.com/Glitch752/ARPianoVisualizer/utils"
)

type staticFrames struct {
	img image.Image
	err error
}

func (s *staticFrames) LatestFrame(ctx context.Context) (image.Image, error) {
	return s.img, s.err
}

type stubDetector struct {
	dets []fiducials.Detection
	err  error
}

func (s *stubDetector) DetectMarkers(ctx context.Context, frame image.Image) ([]fiducials.Detection, error) {
	return s.dets, s.err
}

type stubSolver struct {
	rvec  [3]float64
	tvec  [3]float64
	found bool
	err   error
}

func (s *stubSolver) Solve(world []r3.Vector, img []r2.Point, intr *calibration.Intrinsics, rvec, tvec *[3]float64) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	*rvec = s.rvec
	*tvec = s.tvec
	return s.found, nil
}

func newTestTracker(t *testing.T, frames FrameSource, det MarkerDetector, sol solver.Solver) *fiducialPoseTracker {
	t.Helper()
	flip, err := utils.AxisFlipVector("y")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return &fiducialPoseTracker{
		logger:     logging.NewTestLogger(t),
		cfg:        &Config{UpdateRateHz: 30, FlipAxis: "y"},
		frames:     frames,
		detector:   det,
		registry:   fiducials.DefaultRegistry(),
		intrinsics: calibration.NewIntrinsics(900, 900, 640, 360, nil),
		solver:     sol,
		flip:       flip,
		pose:       referenceframe.NewPoseInFrame(referenceframe.World, spatialmath.NewZeroPose()),
		enabled:    true,
	}
}

func testFrame() image.Image {
	return image.NewGray(image.Rect(0, 0, 64, 48))
}

func oneDetection(id int) []fiducials.Detection {
	return []fiducials.Detection{{
		ID: id,
		Corners: [4]r2.Point{
			{X: 110, Y: 210}, {X: 100, Y: 210}, {X: 100, Y: 200}, {X: 110, Y: 200},
		},
	}}
}

func posesEqual(a, b spatialmath.Pose) bool {
	if a.Point().Sub(b.Point()).Norm() > 1e-12 {
		return false
	}
	qa, qb := a.Orientation().Quaternion(), b.Orientation().Quaternion()
	return math.Abs(qa.Real-qb.Real) < 1e-12 && math.Abs(qa.Imag-qb.Imag) < 1e-12 &&
		math.Abs(qa.Jmag-qb.Jmag) < 1e-12 && math.Abs(qa.Kmag-qb.Kmag) < 1e-12
}

func TestTrackOncePublishesTransform(t *testing.T) {
	sol := &stubSolver{tvec: [3]float64{0, 0, 500}, found: true}
	tracker := newTestTracker(t, &staticFrames{img: testFrame()}, &stubDetector{dets: oneDetection(1)}, sol)

	if err := tracker.trackOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := tracker.CameraTransform().Pose().Point()
	// Identity rotation: the camera sits at -t, flip leaves X and Z alone.
	want := r3.Vector{X: 0, Y: 0, Z: -500}
	if got.Sub(want).Norm() > 1e-12 {
		t.Errorf("published position: got %v, want %v", got, want)
	}
	if !tracker.solved {
		t.Error("solved flag not set after publish")
	}
}

func TestTrackOnceIdempotent(t *testing.T) {
	sol := &stubSolver{rvec: [3]float64{0.1, 0.2, -0.1}, tvec: [3]float64{40, -20, 700}, found: true}
	tracker := newTestTracker(t, &staticFrames{img: testFrame()}, &stubDetector{dets: oneDetection(1)}, sol)

	if err := tracker.trackOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := tracker.CameraTransform().Pose()

	if err := tracker.trackOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := tracker.CameraTransform().Pose()

	if !posesEqual(first, second) {
		t.Errorf("same input produced different transforms: %v vs %v", first, second)
	}
}

func TestTrackOnceKeepsPoseOnFailure(t *testing.T) {
	frames := &staticFrames{img: testFrame()}
	det := &stubDetector{dets: oneDetection(1)}
	sol := &stubSolver{tvec: [3]float64{0, 0, 500}, found: true}
	tracker := newTestTracker(t, frames, det, sol)

	if err := tracker.trackOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	published := tracker.CameraTransform().Pose()

	cases := []struct {
		name    string
		prepare func()
		wantErr error
	}{
		{
			name:    "empty frame",
			prepare: func() { frames.img = image.NewGray(image.Rect(0, 0, 0, 0)) },
			wantErr: ErrAcquisitionEmpty,
		},
		{
			name:    "nil frame",
			prepare: func() { frames.img = nil },
			wantErr: ErrAcquisitionEmpty,
		},
		{
			name:    "zero detections",
			prepare: func() { frames.img = testFrame(); det.dets = nil },
			wantErr: fiducials.ErrNoTargets,
		},
		{
			name:    "only unknown markers",
			prepare: func() { det.dets = oneDetection(42) },
			wantErr: fiducials.ErrNoTargets,
		},
		{
			name:    "solver finds nothing",
			prepare: func() { det.dets = oneDetection(1); sol.found = false },
			wantErr: ErrSolveFailed,
		},
		{
			name:    "degenerate rotation",
			prepare: func() { sol.found = true; sol.rvec = [3]float64{math.NaN(), 0, 0} },
			wantErr: ErrDegeneratePose,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.prepare()
			err := tracker.trackOnce(context.Background())
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
			if !posesEqual(tracker.CameraTransform().Pose(), published) {
				t.Error("transform changed on an abandoned frame")
			}
		})
	}
}

// threeCornerSource simulates a registry bug yielding the wrong corner count.
type threeCornerSource struct{}

func (threeCornerSource) CornersFor(id int) ([]r3.Vector, bool) {
	return []r3.Vector{{}, {}, {}}, true
}

func TestTrackOnceMismatchKeepsPose(t *testing.T) {
	sol := &stubSolver{tvec: [3]float64{0, 0, 500}, found: true}
	tracker := newTestTracker(t, &staticFrames{img: testFrame()}, &stubDetector{dets: oneDetection(1)}, sol)

	if err := tracker.trackOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	published := tracker.CameraTransform().Pose()

	tracker.registry = threeCornerSource{}
	err := tracker.trackOnce(context.Background())
	var mismatch *fiducials.MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want *MismatchError", err)
	}
	if !posesEqual(tracker.CameraTransform().Pose(), published) {
		t.Error("transform changed on a mismatched frame")
	}
}

func TestTrackOnceEndToEndWithPlanarSolver(t *testing.T) {
	intr := calibration.NewIntrinsics(900, 900, 640, 360, nil)
	rvecGT := [3]float64{0.25, -0.15, 0.08}
	tvecGT := [3]float64{12, -40, 1600}

	// Detections whose corners are exact projections of the registered
	// markers under the ground-truth pose.
	var dets []fiducials.Detection
	for _, m := range fiducials.DefaultRegistry().Markers() {
		var det fiducials.Detection
		det.ID = m.ID
		for i, c := range m.Corners() {
			proj, ok := solver.Project(rvecGT, tvecGT, intr, c)
			if !ok {
				t.Fatalf("corner %v behind camera", c)
			}
			det.Corners[i] = proj
		}
		dets = append(dets, det)
	}

	tracker := newTestTracker(t, &staticFrames{img: testFrame()}, &stubDetector{dets: dets}, solver.NewPlanarSolver())
	tracker.intrinsics = intr

	if err := tracker.trackOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	flip, _ := utils.AxisFlipVector("y")
	want, err := RenderCameraPose(rvecGT, tvecGT, flip)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := tracker.CameraTransform().Pose()
	if got.Point().Sub(want.Point()).Norm() > 1 {
		t.Errorf("published position: got %v, want %v", got.Point(), want.Point())
	}
}

func TestDoCommand(t *testing.T) {
	tracker := newTestTracker(t, &staticFrames{img: testFrame()}, &stubDetector{}, &stubSolver{})

	resp, err := tracker.DoCommand(context.Background(), map[string]interface{}{"command": "status"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp["enabled"] != true || resp["solved"] != false {
		t.Errorf("status: got %v", resp)
	}

	if _, err := tracker.DoCommand(context.Background(), map[string]interface{}{"command": "disable"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracker.enabled {
		t.Error("disable did not take effect")
	}

	if _, err := tracker.DoCommand(context.Background(), map[string]interface{}{"command": "enable"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tracker.enabled {
		t.Error("enable did not take effect")
	}

	resp, err = tracker.DoCommand(context.Background(), map[string]interface{}{"command": "get_pose"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp["parent"] != referenceframe.World {
		t.Errorf("get_pose parent: got %v", resp["parent"])
	}

	if _, err := tracker.DoCommand(context.Background(), map[string]interface{}{"command": "warp"}); err == nil {
		t.Error("expected error for unknown command")
	}
	if _, err := tracker.DoCommand(context.Background(), map[string]interface{}{}); err == nil {
		t.Error("expected error for missing command")
	}
}

func TestTickInterval(t *testing.T) {
	cases := []struct {
		hz   float64
		want time.Duration
	}{
		{30, time.Second / 30},
		{10, 100 * time.Millisecond},
		{0, time.Second / 30},
		{-5, time.Second / 30},
	}
	for _, tc := range cases {
		if got := tickInterval(tc.hz); got != tc.want {
			t.Errorf("tickInterval(%v): got %v, want %v", tc.hz, got, tc.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{CameraName: "webcam", DetectorName: "aruco", CalibrationPath: "calibration.json"}

	cfg := valid
	deps, _, err := cfg.Validate("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deps) != 2 || deps[0] != "webcam" || deps[1] != "aruco" {
		t.Errorf("implicit deps: got %v", deps)
	}
	if cfg.UpdateRateHz != 30.0 || cfg.FlipAxis != "y" || cfg.MaxReprojectionErrPx != 2.0 {
		t.Errorf("defaults not applied: %+v", cfg)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing camera", func(c *Config) { c.CameraName = "" }},
		{"missing detector", func(c *Config) { c.DetectorName = "" }},
		{"missing calibration", func(c *Config) { c.CalibrationPath = "" }},
		{"negative rate", func(c *Config) { c.UpdateRateHz = -1 }},
		{"bad flip axis", func(c *Config) { c.FlipAxis = "w" }},
		{"negative reprojection threshold", func(c *Config) { c.MaxReprojectionErrPx = -0.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			if _, _, err := cfg.Validate(""); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
