package command

import (
	"fmt"
	"math"
	"strings"

	"github.com/rovernet/roverbridge/internal/errors"
)

// Parameter limits
const (
	MaxSpeed           = 255
	MaxAngle           = 360
	DefaultMaxDistance = 500
	directionForward   = "forward"
	directionBackward  = "backward"
	directionLeft      = "left"
	directionRight     = "right"
)

// Validate checks params for action and returns the normalized parameters
// to dispatch. Unknown actions wrap errors.ErrUnknownAction, bad parameters
// carry the validation category.
func Validate(action string, params map[string]any) (map[string]any, error) {
	a, ok := ParseAction(action)
	if !ok {
		return nil, errors.New(fmt.Errorf("%w: %q", errors.ErrUnknownAction, action)).
			Component(componentName).
			Category(errors.CategoryNotFound).
			Build()
	}

	switch a {
	case ActionMove:
		return validateMove(params)
	case ActionRotate:
		return validateRotate(params)
	case ActionSearch:
		return validateSearch(params)
	default:
		return nil, nil
	}
}

func validateMove(params map[string]any) (map[string]any, error) {
	speed, err := requireNumber(params, "speed")
	if err != nil {
		return nil, err
	}
	if speed < 0 || speed > MaxSpeed || speed != math.Trunc(speed) {
		return nil, invalidParam("speed", "must be an integer between 0 and %d", MaxSpeed)
	}

	direction, _ := params["direction"].(string)
	direction = strings.ToLower(strings.TrimSpace(direction))
	switch direction {
	case directionForward, directionBackward, directionLeft, directionRight:
	default:
		return nil, invalidParam("direction", "must be one of forward, backward, left, right")
	}

	return map[string]any{"speed": int(speed), "direction": direction}, nil
}

func validateRotate(params map[string]any) (map[string]any, error) {
	angle, err := requireNumber(params, "angle")
	if err != nil {
		return nil, err
	}
	if angle < -MaxAngle || angle > MaxAngle {
		return nil, invalidParam("angle", "must be between -%d and %d", MaxAngle, MaxAngle)
	}
	return map[string]any{"angle": angle}, nil
}

func validateSearch(params map[string]any) (map[string]any, error) {
	object, _ := params["object"].(string)
	object = strings.TrimSpace(object)
	if object == "" {
		return nil, invalidParam("object", "is required")
	}

	maxDistance := float64(DefaultMaxDistance)
	if _, present := params["max_distance"]; present {
		d, err := requireNumber(params, "max_distance")
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, invalidParam("max_distance", "must be greater than 0")
		}
		maxDistance = d
	}
	return map[string]any{"object": object, "max_distance": maxDistance}, nil
}

func requireNumber(params map[string]any, key string) (float64, error) {
	switch v := params[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case nil:
		return 0, invalidParam(key, "is required")
	default:
		return 0, invalidParam(key, "must be a number")
	}
}

func invalidParam(key, format string, args ...any) error {
	return errors.Newf("%s %s", key, fmt.Sprintf(format, args...)).
		Component(componentName).
		Category(errors.CategoryValidation).
		Context("param", key).
		Build()
}
