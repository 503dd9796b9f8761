package arpianovisualizer

import (
	"errors"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"github.com/Glitch752/ARPianoVisualizer/utils"
)

// ErrDegeneratePose means the solver's rotation was not a proper rotation
// (non-orthogonal or a reflection) and the frame's pose update was rejected
// rather than propagating a mirrored camera orientation.
var ErrDegeneratePose = errors.New("degenerate rotation from pose solve")

// rotationTol is the floating tolerance for the orthogonality check.
const rotationTol = 1e-6

// RenderCameraPose converts the solver's camera-from-world pose (rotation
// vector and translation, mapping a world point p to camera space as R*p+t)
// into the render engine's world-from-camera transform:
//
//  1. Rodrigues rotation vector -> rotation matrix R, validated as a proper
//     rotation (orthogonal, det +1).
//  2. Rigid inverse: rotation R^T, position -R^T*t.
//  3. Componentwise sign flip of the position into the render convention
//     (see utils.AxisFlipVector).
func RenderCameraPose(rvec, tvec [3]float64, flip r3.Vector) (spatialmath.Pose, error) {
	return renderCameraPoseFromMatrix(utils.Rodrigues(rvec), tvec, flip)
}

func renderCameraPoseFromMatrix(rot *mat.Dense, tvec [3]float64, flip r3.Vector) (spatialmath.Pose, error) {
	if !utils.IsRotationMatrix(rot, rotationTol) {
		return nil, ErrDegeneratePose
	}

	// Inverse rotation is the transpose for an orthogonal matrix; the camera
	// position in world space is -R^T * t.
	pos := r3.Vector{
		X: -(rot.At(0, 0)*tvec[0] + rot.At(1, 0)*tvec[1] + rot.At(2, 0)*tvec[2]),
		Y: -(rot.At(0, 1)*tvec[0] + rot.At(1, 1)*tvec[1] + rot.At(2, 1)*tvec[2]),
		Z: -(rot.At(0, 2)*tvec[0] + rot.At(1, 2)*tvec[1] + rot.At(2, 2)*tvec[2]),
	}
	pos = r3.Vector{X: pos.X * flip.X, Y: pos.Y * flip.Y, Z: pos.Z * flip.Z}

	var rt mat.Dense
	rt.CloneFrom(rot.T())
	orientation := utils.QuaternionFromMatrix(&rt)

	return spatialmath.NewPose(pos, orientation), nil
}
