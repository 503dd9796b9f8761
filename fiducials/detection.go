package fiducials

import (
	"fmt"

	"github.com/golang/geo/r2"
)

// DetectionsFromDoCommand parses a marker detector's DoCommand response.
// Expected shape:
//
//	{"markers": [{"id": 1, "corners": [[x, y], [x, y], [x, y], [x, y]]}, ...]}
//
// An absent or empty "markers" key is a valid zero-detection response.
func DetectionsFromDoCommand(resp map[string]interface{}) ([]Detection, error) {
	raw, ok := resp["markers"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("detector response: markers is %T, want a list", raw)
	}

	detections := make([]Detection, 0, len(list))
	for i, entry := range list {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("detector response: marker %d is %T, want an object", i, entry)
		}

		id, err := asFloat(m["id"])
		if err != nil {
			return nil, fmt.Errorf("detector response: marker %d id: %w", i, err)
		}

		cornersRaw, ok := m["corners"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("detector response: marker %d has no corner list", i)
		}
		if len(cornersRaw) != 4 {
			return nil, fmt.Errorf("detector response: marker %d has %d corners, want 4", i, len(cornersRaw))
		}

		var det Detection
		det.ID = int(id)
		for j, cornerRaw := range cornersRaw {
			pair, ok := cornerRaw.([]interface{})
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("detector response: marker %d corner %d is not an [x, y] pair", i, j)
			}
			x, err := asFloat(pair[0])
			if err != nil {
				return nil, fmt.Errorf("detector response: marker %d corner %d x: %w", i, j, err)
			}
			y, err := asFloat(pair[1])
			if err != nil {
				return nil, fmt.Errorf("detector response: marker %d corner %d y: %w", i, j, err)
			}
			det.Corners[j] = r2.Point{X: x, Y: y}
		}
		detections = append(detections, det)
	}
	return detections, nil
}

func asFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("value is %T, want a number", v)
	}
}
