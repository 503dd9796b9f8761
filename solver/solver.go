// Package solver estimates camera pose from 3D-2D point correspondences.
// All known markers lie in one plane, so the provided implementation is a
// coplanar method: a homography-based initialization refined by minimizing
// reprojection error.
package solver

import (
	"errors"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/Glitch752/ARPianoVisualizer/calibration"
)

var (
	// ErrTooFewCorrespondences means fewer than the four point pairs a
	// planar solve needs were supplied. Callers are expected to gate on the
	// correspondence count before invoking a solver.
	ErrTooFewCorrespondences = errors.New("pose solve requires at least 4 correspondences")

	// ErrLengthMismatch means the world and image sequences differ in length.
	ErrLengthMismatch = errors.New("world and image point counts differ")
)

// Solver solves for the camera-from-world pose that maps world points onto
// their observed image projections: a world point p lands at R*p + t in
// camera space.
//
// rvec and tvec are output buffers owned by the caller; they are overwritten
// on success and may be reused frame over frame purely as storage. The bool
// result distinguishes "ran but found no acceptable pose" (false, nil) from
// a hard failure (error). Both suppress a pose update.
type Solver interface {
	Solve(world []r3.Vector, image []r2.Point, intr *calibration.Intrinsics, rvec, tvec *[3]float64) (bool, error)
}
