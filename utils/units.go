package utils

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// Clamp clamps a value between min and max
func Clamp(value, min, max float64) float64 {
	return math.Max(min, math.Min(max, value))
}

// Helper to convert spatialmath.Pose to a user-friendly map
func PoseToMap(pose spatialmath.Pose) map[string]interface{} {
	if pose == nil {
		return nil
	}
	pos := pose.Point()
	ori := pose.Orientation().Quaternion()
	return map[string]interface{}{
		"translation": map[string]float64{
			"x": pos.X,
			"y": pos.Y,
			"z": pos.Z,
		},
		"orientation": map[string]float64{
			"Imag": ori.Imag,
			"Jmag": ori.Jmag,
			"Kmag": ori.Kmag,
			"Real": ori.Real,
		},
	}
}

// AxisFlipVector maps a named axis to the componentwise sign change applied
// when re-expressing the solved camera position in the render frame. The
// vision convention has Y pointing down while the render convention has Y
// pointing up, so "y" is the usual choice.
func AxisFlipVector(axis string) (r3.Vector, error) {
	switch axis {
	case "x":
		return r3.Vector{X: -1, Y: 1, Z: 1}, nil
	case "y":
		return r3.Vector{X: 1, Y: -1, Z: 1}, nil
	case "z":
		return r3.Vector{X: 1, Y: 1, Z: -1}, nil
	case "none":
		return r3.Vector{X: 1, Y: 1, Z: 1}, nil
	default:
		return r3.Vector{}, fmt.Errorf("unknown flip axis %q (want x, y, z or none)", axis)
	}
}
