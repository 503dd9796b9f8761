package fiducials

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// MarkerSizeMM is the printed edge length of the fiducial markers in mm.
const MarkerSizeMM = 82.5

// Marker is one fiducial with a known position. Markers sit flat in the
// Y=0 plane of the world frame, centered on the X axis.
type Marker struct {
	ID int
	// XOffsetMM is the offset from the center of the keyboard to the center
	// of the fiducial in mm. Rightward is positive.
	XOffsetMM float64
}

// Corners returns the marker's four world-space corners. The order matches
// the order the detector reports 2D corners in: bottom-right, bottom-left,
// top-left, top-right. Positive Z is toward the camera. Index i here must
// line up with index i of a detection's corners for every marker; pose
// solving silently breaks otherwise.
func (m Marker) Corners() [4]r3.Vector {
	half := MarkerSizeMM / 2.0
	return [4]r3.Vector{
		{X: m.XOffsetMM + half, Y: 0, Z: half},  // bottom-right
		{X: m.XOffsetMM - half, Y: 0, Z: half},  // bottom-left
		{X: m.XOffsetMM - half, Y: 0, Z: -half}, // top-left
		{X: m.XOffsetMM + half, Y: 0, Z: -half}, // top-right
	}
}

// CornerSource resolves a marker identifier to its known world corners.
// Unknown identifiers report ok=false and are simply excluded from tracking.
type CornerSource interface {
	CornersFor(id int) ([]r3.Vector, bool)
}

// Registry is the static table of known markers. It is immutable after
// construction and safe for concurrent reads.
type Registry struct {
	markers []Marker
}

// NewRegistry builds a registry from a marker table. Duplicate identifiers
// are rejected since lookup would silently shadow one of them.
func NewRegistry(markers []Marker) (*Registry, error) {
	seen := make(map[int]struct{}, len(markers))
	for _, m := range markers {
		if _, ok := seen[m.ID]; ok {
			return nil, fmt.Errorf("duplicate fiducial id %d in registry", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return &Registry{markers: markers}, nil
}

// DefaultRegistry returns the marker layout around the keyboard: two markers
// on each side, offset from the keyboard center.
func DefaultRegistry() *Registry {
	half := MarkerSizeMM / 2.0
	return &Registry{markers: []Marker{
		{ID: 0, XOffsetMM: -105.0 - 280.0 - half},
		{ID: 1, XOffsetMM: -105.0 - half},
		{ID: 2, XOffsetMM: 105.0 + half},
		{ID: 3, XOffsetMM: 105.0 + 280.0 + half},
	}}
}

// CornersFor looks up the world corners for a marker id. A linear scan is
// fine here; the table has a handful of entries and never grows.
func (r *Registry) CornersFor(id int) ([]r3.Vector, bool) {
	for _, m := range r.markers {
		if m.ID == id {
			c := m.Corners()
			return c[:], true
		}
	}
	return nil, false
}

// Markers returns the registered marker table.
func (r *Registry) Markers() []Marker {
	return r.markers
}
