package fiducials

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// ErrNoTargets means the current frame contained no detections of registered
// markers. Recoverable: the caller keeps its previous pose.
var ErrNoTargets = errors.New("no registered fiducials detected")

// MismatchError means the flattened 3D and 2D sequences came out with
// different lengths. Also recoverable, but it signals a detector or registry
// contract violation and should be logged loudly.
type MismatchError struct {
	WorldCount int
	ImageCount int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("correspondence mismatch: %d world points vs %d image points", e.WorldCount, e.ImageCount)
}

// Detection is one marker found in the current frame: its identifier and
// four ordered 2D corners in pixel coordinates. Corner order must follow the
// detector's convention (bottom-right, bottom-left, top-left, top-right),
// the same convention Marker.Corners uses.
type Detection struct {
	ID      int
	Corners [4]r2.Point
}

// Correspondences is the flat, index-aligned pairing of known world points
// with observed image points for one frame. World[i] projects to Image[i].
type Correspondences struct {
	World []r3.Vector
	Image []r2.Point
}

// Len returns the number of matched point pairs.
func (c Correspondences) Len() int {
	return len(c.World)
}

// BuildCorrespondences matches each detection's corners to the registered
// world corners of the same marker. Detections of unknown markers are
// dropped before flattening, corners included, so the two sequences stay
// index-aligned. Returns ErrNoTargets when nothing matched and a
// *MismatchError when the flattened lengths disagree.
func BuildCorrespondences(src CornerSource, detections []Detection) (Correspondences, error) {
	var out Correspondences
	for _, det := range detections {
		world, ok := src.CornersFor(det.ID)
		if !ok {
			continue
		}
		out.World = append(out.World, world...)
		out.Image = append(out.Image, det.Corners[:]...)
	}

	if len(out.World) != len(out.Image) {
		return Correspondences{}, &MismatchError{WorldCount: len(out.World), ImageCount: len(out.Image)}
	}
	if len(out.World) == 0 {
		return Correspondences{}, ErrNoTargets
	}
	return out, nil
}
