// Package calibration loads camera intrinsics from the JSON file produced by
// the calibration tool. Tracking cannot run without intrinsics, so a load
// failure is fatal at startup.
package calibration

import (
	"encoding/json"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// File mirrors the on-disk calibration record.
type File struct {
	Camera                 string      `json:"camera"`
	Platform               string      `json:"platform"`
	AvgReprojectionError   float64     `json:"avg_reprojection_error"`
	CameraMatrix           [][]float64 `json:"camera_matrix"`
	DistortionCoefficients []float64   `json:"distortion_coefficients"`
	DistortionModel        string      `json:"distortion_model"`
	ImgSize                []int       `json:"img_size"`
	CalibrationTime        string      `json:"calibration_time"`
}

// Intrinsics holds the camera matrix and distortion coefficients. Immutable
// after load and shared read-only by every pose solve.
type Intrinsics struct {
	CameraMatrix *mat.Dense
	DistCoeffs   []float64
}

// NewIntrinsics builds intrinsics from pinhole parameters, mostly for tests
// and tooling. dist may be nil for a distortion-free camera.
func NewIntrinsics(fx, fy, cx, cy float64, dist []float64) *Intrinsics {
	return &Intrinsics{
		CameraMatrix: mat.NewDense(3, 3, []float64{
			fx, 0, cx,
			0, fy, cy,
			0, 0, 1,
		}),
		DistCoeffs: dist,
	}
}

func (i *Intrinsics) Fx() float64 { return i.CameraMatrix.At(0, 0) }
func (i *Intrinsics) Fy() float64 { return i.CameraMatrix.At(1, 1) }
func (i *Intrinsics) Cx() float64 { return i.CameraMatrix.At(0, 2) }
func (i *Intrinsics) Cy() float64 { return i.CameraMatrix.At(1, 2) }

// Skew returns the axis skew term, zero for nearly all real cameras.
func (i *Intrinsics) Skew() float64 { return i.CameraMatrix.At(0, 1) }

// DistCoeff returns the nth Brown-Conrady coefficient (k1, k2, p1, p2, k3
// order), treating missing trailing coefficients as zero.
func (i *Intrinsics) DistCoeff(n int) float64 {
	if n < len(i.DistCoeffs) {
		return i.DistCoeffs[n]
	}
	return 0
}

// FromFile validates a calibration record and builds intrinsics from it.
func FromFile(f *File) (*Intrinsics, error) {
	if len(f.CameraMatrix) != 3 {
		return nil, fmt.Errorf("camera matrix has %d rows, want 3", len(f.CameraMatrix))
	}
	flat := make([]float64, 0, 9)
	for r, row := range f.CameraMatrix {
		if len(row) != 3 {
			return nil, fmt.Errorf("camera matrix row %d has %d columns, want 3", r, len(row))
		}
		flat = append(flat, row...)
	}
	if flat[8] == 0 {
		return nil, fmt.Errorf("camera matrix is not homogeneous: [2][2] is zero")
	}
	if flat[0] <= 0 || flat[4] <= 0 {
		return nil, fmt.Errorf("camera matrix has non-positive focal lengths fx=%f fy=%f", flat[0], flat[4])
	}
	return &Intrinsics{
		CameraMatrix: mat.NewDense(3, 3, flat),
		DistCoeffs:   f.DistortionCoefficients,
	}, nil
}

// Load reads and validates a calibration file.
func Load(path string) (*Intrinsics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading calibration file: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing calibration file %s: %w", path, err)
	}
	intr, err := FromFile(&f)
	if err != nil {
		return nil, fmt.Errorf("invalid calibration file %s: %w", path, err)
	}
	return intr, nil
}
