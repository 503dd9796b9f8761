package utils

import (
	"math"

	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
)

// Rodrigues converts an axis-angle rotation vector to a 3x3 rotation matrix
// (the exponential map). The vector's direction is the rotation axis and its
// norm is the rotation angle in radians.
func Rodrigues(rvec [3]float64) *mat.Dense {
	theta := math.Sqrt(rvec[0]*rvec[0] + rvec[1]*rvec[1] + rvec[2]*rvec[2])
	if theta < 1e-12 {
		return mat.NewDense(3, 3, []float64{
			1, 0, 0,
			0, 1, 0,
			0, 0, 1,
		})
	}

	kx, ky, kz := rvec[0]/theta, rvec[1]/theta, rvec[2]/theta
	c := math.Cos(theta)
	s := math.Sin(theta)
	v := 1 - c

	return mat.NewDense(3, 3, []float64{
		c + kx*kx*v, kx*ky*v - kz*s, kx*kz*v + ky*s,
		ky*kx*v + kz*s, c + ky*ky*v, ky*kz*v - kx*s,
		kz*kx*v - ky*s, kz*ky*v + kx*s, c + kz*kz*v,
	})
}

// RotationVector converts a 3x3 rotation matrix back to an axis-angle vector
// (the log map). It is the inverse of Rodrigues for proper rotations.
func RotationVector(r *mat.Dense) [3]float64 {
	trace := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	cosTheta := Clamp((trace-1)/2, -1, 1)
	theta := math.Acos(cosTheta)

	if theta < 1e-12 {
		return [3]float64{}
	}

	if math.Pi-theta < 1e-6 {
		// Near pi the skew-symmetric part vanishes; recover the axis from the
		// diagonal of R = 2*k*k^T - I instead.
		kx := math.Sqrt(math.Max(0, (r.At(0, 0)+1)/2))
		ky := math.Sqrt(math.Max(0, (r.At(1, 1)+1)/2))
		kz := math.Sqrt(math.Max(0, (r.At(2, 2)+1)/2))
		// Fix signs using the off-diagonal sums, anchored on the largest component.
		if kx >= ky && kx >= kz {
			if r.At(0, 1)+r.At(1, 0) < 0 {
				ky = -ky
			}
			if r.At(0, 2)+r.At(2, 0) < 0 {
				kz = -kz
			}
		} else if ky >= kx && ky >= kz {
			if r.At(0, 1)+r.At(1, 0) < 0 {
				kx = -kx
			}
			if r.At(1, 2)+r.At(2, 1) < 0 {
				kz = -kz
			}
		} else {
			if r.At(0, 2)+r.At(2, 0) < 0 {
				kx = -kx
			}
			if r.At(1, 2)+r.At(2, 1) < 0 {
				ky = -ky
			}
		}
		return [3]float64{theta * kx, theta * ky, theta * kz}
	}

	scale := theta / (2 * math.Sin(theta))
	return [3]float64{
		scale * (r.At(2, 1) - r.At(1, 2)),
		scale * (r.At(0, 2) - r.At(2, 0)),
		scale * (r.At(1, 0) - r.At(0, 1)),
	}
}

// QuaternionFromMatrix converts a 3x3 rotation matrix to a unit quaternion
// using Shepperd's method, branching on the largest diagonal term for
// numerical stability.
func QuaternionFromMatrix(r *mat.Dense) *spatialmath.Quaternion {
	trace := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)

	var w, x, y, z float64
	switch {
	case trace > 0:
		s := 2 * math.Sqrt(trace+1)
		w = s / 4
		x = (r.At(2, 1) - r.At(1, 2)) / s
		y = (r.At(0, 2) - r.At(2, 0)) / s
		z = (r.At(1, 0) - r.At(0, 1)) / s
	case r.At(0, 0) > r.At(1, 1) && r.At(0, 0) > r.At(2, 2):
		s := 2 * math.Sqrt(1+r.At(0, 0)-r.At(1, 1)-r.At(2, 2))
		w = (r.At(2, 1) - r.At(1, 2)) / s
		x = s / 4
		y = (r.At(0, 1) + r.At(1, 0)) / s
		z = (r.At(0, 2) + r.At(2, 0)) / s
	case r.At(1, 1) > r.At(2, 2):
		s := 2 * math.Sqrt(1+r.At(1, 1)-r.At(0, 0)-r.At(2, 2))
		w = (r.At(0, 2) - r.At(2, 0)) / s
		x = (r.At(0, 1) + r.At(1, 0)) / s
		y = s / 4
		z = (r.At(1, 2) + r.At(2, 1)) / s
	default:
		s := 2 * math.Sqrt(1+r.At(2, 2)-r.At(0, 0)-r.At(1, 1))
		w = (r.At(1, 0) - r.At(0, 1)) / s
		x = (r.At(0, 2) + r.At(2, 0)) / s
		y = (r.At(1, 2) + r.At(2, 1)) / s
		z = s / 4
	}

	norm := math.Sqrt(w*w + x*x + y*y + z*z)
	return &spatialmath.Quaternion{
		Real: w / norm,
		Imag: x / norm,
		Jmag: y / norm,
		Kmag: z / norm,
	}
}

// IsRotationMatrix reports whether r is a proper rotation: orthogonal
// (R^T R = I within tol) with determinant +1 within tol. Reflections
// (determinant -1) and degenerate matrices fail this check.
func IsRotationMatrix(r *mat.Dense, tol float64) bool {
	rows, cols := r.Dims()
	if rows != 3 || cols != 3 {
		return false
	}

	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			d := rtr.At(i, j) - want
			if math.IsNaN(d) || math.Abs(d) > tol {
				return false
			}
		}
	}

	det := mat.Det(r)
	return !math.IsNaN(det) && math.Abs(det-1) <= tol
}
