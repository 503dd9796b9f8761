package solver

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/Glitch752/ARPianoVisualizer/calibration"
	"github.com/Glitch752/ARPianoVisualizer/utils"
)

// planeTolMM is how far a "coplanar" world point may sit off the Y=0 plane.
const planeTolMM = 1e-6

// PlanarSolver solves camera pose from correspondences whose world points
// all lie in the Y=0 plane. A homography fit (normalized DLT) gives the
// initial pose; Nelder-Mead refinement over the six pose parameters then
// minimizes reprojection error under the Brown-Conrady distortion model.
type PlanarSolver struct {
	// MaxReprojErrorPx is the RMS reprojection error above which a solve is
	// reported as "no valid pose found".
	MaxReprojErrorPx float64
}

// NewPlanarSolver returns a solver with the default acceptance threshold.
func NewPlanarSolver() *PlanarSolver {
	return &PlanarSolver{MaxReprojErrorPx: 2.0}
}

// Solve implements Solver.
func (s *PlanarSolver) Solve(world []r3.Vector, image []r2.Point, intr *calibration.Intrinsics, rvec, tvec *[3]float64) (bool, error) {
	if len(world) != len(image) {
		return false, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(world), len(image))
	}
	if len(world) < 4 {
		return false, fmt.Errorf("%w: got %d", ErrTooFewCorrespondences, len(world))
	}
	for i, p := range world {
		if math.Abs(p.Y) > planeTolMM {
			return false, fmt.Errorf("world point %d is off the marker plane (Y=%g)", i, p.Y)
		}
	}

	h, err := planeHomography(world, image)
	if err != nil {
		return false, err
	}
	rvec0, tvec0, err := decomposeHomography(h, intr)
	if err != nil {
		return false, err
	}

	residuals := &reprojection{world: world, image: image, intr: intr}
	x0 := []float64{rvec0[0], rvec0[1], rvec0[2], tvec0[0], tvec0[1], tvec0[2]}

	problem := optimize.Problem{
		Func: residuals.Func,
	}
	settings := &optimize.Settings{
		FuncEvaluations: 50000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-12,
			Iterations: 50,
		},
	}

	best := x0
	bestErr := residuals.Func(x0)
	if result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{}); err == nil {
		if refined := residuals.Func(result.X); refined < bestErr {
			best = result.X
			bestErr = refined
		}
	}

	rms := math.Sqrt(bestErr / float64(len(world)))
	if rms > s.MaxReprojErrorPx {
		return false, nil
	}

	*rvec = [3]float64{best[0], best[1], best[2]}
	*tvec = [3]float64{best[3], best[4], best[5]}
	return true, nil
}

// reprojection is the least-squares objective over the six pose parameters
// [rx, ry, rz, tx, ty, tz].
type reprojection struct {
	world []r3.Vector
	image []r2.Point
	intr  *calibration.Intrinsics
}

func (r *reprojection) Func(params []float64) float64 {
	rvec := [3]float64{params[0], params[1], params[2]}
	tvec := [3]float64{params[3], params[4], params[5]}
	rot := utils.Rodrigues(rvec)

	sum := 0.0
	for i, p := range r.world {
		proj, ok := projectWithMatrix(rot, tvec, r.intr, p)
		if !ok {
			// Behind the camera: heavily penalized rather than excluded so
			// the optimizer is pushed back toward valid poses.
			sum += 1e12
			continue
		}
		dx := proj.X - r.image[i].X
		dy := proj.Y - r.image[i].Y
		sum += dx*dx + dy*dy
	}
	return sum
}

// Project maps a world point through the camera-from-world pose and the
// intrinsics into pixel coordinates. ok is false when the point is at or
// behind the camera plane.
func Project(rvec, tvec [3]float64, intr *calibration.Intrinsics, p r3.Vector) (r2.Point, bool) {
	return projectWithMatrix(utils.Rodrigues(rvec), tvec, intr, p)
}

func projectWithMatrix(rot *mat.Dense, tvec [3]float64, intr *calibration.Intrinsics, p r3.Vector) (r2.Point, bool) {
	x := rot.At(0, 0)*p.X + rot.At(0, 1)*p.Y + rot.At(0, 2)*p.Z + tvec[0]
	y := rot.At(1, 0)*p.X + rot.At(1, 1)*p.Y + rot.At(1, 2)*p.Z + tvec[1]
	z := rot.At(2, 0)*p.X + rot.At(2, 1)*p.Y + rot.At(2, 2)*p.Z + tvec[2]
	if z <= 1e-9 {
		return r2.Point{}, false
	}

	xn := x / z
	yn := y / z

	k1 := intr.DistCoeff(0)
	k2 := intr.DistCoeff(1)
	p1 := intr.DistCoeff(2)
	p2 := intr.DistCoeff(3)
	k3 := intr.DistCoeff(4)

	r2v := xn*xn + yn*yn
	radial := 1 + r2v*(k1+r2v*(k2+r2v*k3))
	xd := xn*radial + 2*p1*xn*yn + p2*(r2v+2*xn*xn)
	yd := yn*radial + p1*(r2v+2*yn*yn) + 2*p2*xn*yn

	return r2.Point{
		X: intr.Fx()*xd + intr.Skew()*yd + intr.Cx(),
		Y: intr.Fy()*yd + intr.Cy(),
	}, true
}

// planeHomography fits the homography mapping marker-plane coordinates
// (X, Z) to pixel coordinates with a normalized DLT.
func planeHomography(world []r3.Vector, image []r2.Point) (*mat.Dense, error) {
	n := len(world)

	var cpx, cpz, cix, ciy float64
	for i := range world {
		cpx += world[i].X
		cpz += world[i].Z
		cix += image[i].X
		ciy += image[i].Y
	}
	fn := float64(n)
	cpx, cpz, cix, ciy = cpx/fn, cpz/fn, cix/fn, ciy/fn

	var dp, di float64
	for i := range world {
		dp += math.Hypot(world[i].X-cpx, world[i].Z-cpz)
		di += math.Hypot(image[i].X-cix, image[i].Y-ciy)
	}
	dp /= fn
	di /= fn
	if dp < 1e-9 || di < 1e-9 {
		return nil, errors.New("degenerate correspondence set: points are coincident")
	}
	sp := math.Sqrt2 / dp
	si := math.Sqrt2 / di

	a := mat.NewDense(2*n, 9, nil)
	for i := range world {
		u := (world[i].X - cpx) * sp
		v := (world[i].Z - cpz) * sp
		x := (image[i].X - cix) * si
		y := (image[i].Y - ciy) * si
		a.SetRow(2*i, []float64{u, v, 1, 0, 0, 0, -x * u, -x * v, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, u, v, 1, -y * u, -y * v, -y})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, errors.New("homography SVD failed to factorize")
	}
	var v mat.Dense
	svd.VTo(&v)

	// Null vector: the right singular vector of the smallest singular value.
	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		hn.Set(i/3, i%3, v.At(i, 8))
	}

	// Undo the normalization: H = Ti^-1 * Hn * Tp.
	tp := mat.NewDense(3, 3, []float64{
		sp, 0, -sp * cpx,
		0, sp, -sp * cpz,
		0, 0, 1,
	})
	tiInv := mat.NewDense(3, 3, []float64{
		1 / si, 0, cix,
		0, 1 / si, ciy,
		0, 0, 1,
	})

	var h mat.Dense
	h.Mul(hn, tp)
	h.Mul(tiInv, &h)
	return &h, nil
}

// decomposeHomography extracts the camera-from-world pose from a plane
// homography H ~ K [c1 c3 t], where c1 and c3 are the rotation columns the
// plane's X and Z axes map through.
func decomposeHomography(h *mat.Dense, intr *calibration.Intrinsics) ([3]float64, [3]float64, error) {
	var kinv mat.Dense
	if err := kinv.Inverse(intr.CameraMatrix); err != nil {
		return [3]float64{}, [3]float64{}, fmt.Errorf("camera matrix is singular: %w", err)
	}
	var b mat.Dense
	b.Mul(&kinv, h)

	c1 := r3.Vector{X: b.At(0, 0), Y: b.At(1, 0), Z: b.At(2, 0)}
	c3 := r3.Vector{X: b.At(0, 1), Y: b.At(1, 1), Z: b.At(2, 1)}
	t := r3.Vector{X: b.At(0, 2), Y: b.At(1, 2), Z: b.At(2, 2)}

	n1 := c1.Norm()
	n2 := c3.Norm()
	if n1 < 1e-12 || n2 < 1e-12 {
		return [3]float64{}, [3]float64{}, errors.New("degenerate homography: vanishing rotation columns")
	}
	scale := 2 / (n1 + n2)
	c1 = c1.Mul(scale)
	c3 = c3.Mul(scale)
	t = t.Mul(scale)

	// The markers are in front of the camera, so t must have positive depth;
	// the homography is only defined up to sign.
	if t.Z < 0 {
		c1 = c1.Mul(-1)
		c3 = c3.Mul(-1)
		t = t.Mul(-1)
	}

	c2 := c3.Cross(c1)
	rot := mat.NewDense(3, 3, []float64{
		c1.X, c2.X, c3.X,
		c1.Y, c2.Y, c3.Y,
		c1.Z, c2.Z, c3.Z,
	})

	// Snap to the nearest proper rotation.
	var svd mat.SVD
	if !svd.Factorize(rot, mat.SVDFull) {
		return [3]float64{}, [3]float64{}, errors.New("rotation SVD failed to factorize")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var nearest mat.Dense
	nearest.Mul(&u, v.T())
	if mat.Det(&nearest) < 0 {
		d := mat.NewDense(3, 3, []float64{
			1, 0, 0,
			0, 1, 0,
			0, 0, -1,
		})
		nearest.Mul(&u, d)
		nearest.Mul(&nearest, v.T())
	}

	return utils.RotationVector(&nearest), [3]float64{t.X, t.Y, t.Z}, nil
}
