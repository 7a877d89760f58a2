package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Detection is a decoded object detection event
type Detection struct {
	Object     string
	Confidence float64
	X          float64
	Y          float64
	Distance   float64
	Raw        map[string]any
}

// detection payload keys, device firmware uses either spelling
var (
	objectKeys     = []string{"object", "objeto"}
	confidenceKeys = []string{"confidence", "confianza"}
	distanceKeys   = []string{"distance", "distancia"}
)

// ParseDetection decodes a detection payload. The label is required, the
// numeric fields default to zero.
func ParseDetection(payload []byte) (Detection, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Detection{}, fmt.Errorf("invalid detection payload: %w", err)
	}
	if raw == nil {
		return Detection{}, fmt.Errorf("detection payload is not an object")
	}

	det := Detection{Raw: raw}
	for _, key := range objectKeys {
		if s, ok := raw[key].(string); ok && strings.TrimSpace(s) != "" {
			det.Object = strings.TrimSpace(s)
			break
		}
	}
	if det.Object == "" {
		return Detection{}, fmt.Errorf("detection payload has no object label")
	}

	var err error
	if det.Confidence, err = number(raw, confidenceKeys...); err != nil {
		return Detection{}, err
	}
	if det.X, err = number(raw, "x"); err != nil {
		return Detection{}, err
	}
	if det.Y, err = number(raw, "y"); err != nil {
		return Detection{}, err
	}
	if det.Distance, err = number(raw, distanceKeys...); err != nil {
		return Detection{}, err
	}
	return det, nil
}

// number returns the first present key as a float. Numeric strings are accepted.
func number(raw map[string]any, keys ...string) (float64, error) {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return 0, fmt.Errorf("detection field %q is not a number: %q", key, n)
			}
			return f, nil
		default:
			return 0, fmt.Errorf("detection field %q has type %T", key, v)
		}
	}
	return 0, nil
}
