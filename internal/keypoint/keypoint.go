// Package keypoint defines the five named watch-face landmarks and the
// coordinate spaces they can be expressed in.
package keypoint

import (
	"encoding/json"
	"fmt"

	"watch-tagger/pkg/geometry"
)

// Space identifies the coordinate space a keypoint set is expressed in.
// Coordinates are never stored without their space being known.
type Space string

const (
	// SpacePixel is absolute pixel coordinates in a specific image.
	SpacePixel Space = "pixel"
	// SpaceNorm is unit-normalized [0,1] relative to image dimensions.
	SpaceNorm Space = "norm"
	// SpacePercent is percentage [0,100] relative to image dimensions.
	SpacePercent Space = "percent"
)

// Names lists the five required keypoint names in canonical order.
var Names = []string{"top", "bottom", "left", "right", "center"}

// Set holds exactly the five watch-face keypoints. The zero value is a valid
// (all-origin) set; there is deliberately no way to add or remove keys.
type Set struct {
	Top    geometry.Point2D
	Bottom geometry.Point2D
	Left   geometry.Point2D
	Right  geometry.Point2D
	Center geometry.Point2D
}

// Get returns the keypoint with the given name.
func (s Set) Get(name string) (geometry.Point2D, bool) {
	switch name {
	case "top":
		return s.Top, true
	case "bottom":
		return s.Bottom, true
	case "left":
		return s.Left, true
	case "right":
		return s.Right, true
	case "center":
		return s.Center, true
	}
	return geometry.Point2D{}, false
}

// Map applies fn to every keypoint and returns the resulting set.
func (s Set) Map(fn func(geometry.Point2D) geometry.Point2D) Set {
	return Set{
		Top:    fn(s.Top),
		Bottom: fn(s.Bottom),
		Left:   fn(s.Left),
		Right:  fn(s.Right),
		Center: fn(s.Center),
	}
}

// IsFinite returns true if all five keypoints have finite coordinates.
func (s Set) IsFinite() bool {
	finite := true
	s.Map(func(p geometry.Point2D) geometry.Point2D {
		if !p.IsFinite() {
			finite = false
		}
		return p
	})
	return finite
}

// OutOfBounds returns the names of keypoints lying outside the unit square,
// in canonical order. The set must be in normalized space.
func (s Set) OutOfBounds() []string {
	var names []string
	for _, name := range Names {
		p, _ := s.Get(name)
		if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
			names = append(names, name)
		}
	}
	return names
}

// MarshalJSON encodes the set as the persisted coords object:
// {"top": [x, y], ...} with all five keys always present.
func (s Set) MarshalJSON() ([]byte, error) {
	m := make(map[string][2]float64, len(Names))
	for _, name := range Names {
		p, _ := s.Get(name)
		m[name] = [2]float64{p.X, p.Y}
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the persisted coords object, rejecting missing or
// unknown keys so a complete set always has exactly the five required names.
func (s *Set) UnmarshalJSON(data []byte) error {
	var m map[string][2]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != len(Names) {
		return fmt.Errorf("keypoint set must have exactly %d keys, got %d", len(Names), len(m))
	}
	for _, name := range Names {
		xy, ok := m[name]
		if !ok {
			return fmt.Errorf("keypoint set missing required key %q", name)
		}
		p := geometry.Point2D{X: xy[0], Y: xy[1]}
		switch name {
		case "top":
			s.Top = p
		case "bottom":
			s.Bottom = p
		case "left":
			s.Left = p
		case "right":
			s.Right = p
		case "center":
			s.Center = p
		}
	}
	return nil
}

// PixelToNorm converts a pixel-space set to unit-normalized space using the
// dimensions of the image the pixels were measured in.
func PixelToNorm(s Set, width, height int) (Set, error) {
	if width <= 0 || height <= 0 {
		return Set{}, fmt.Errorf("invalid image dimensions %dx%d", width, height)
	}
	w, h := float64(width), float64(height)
	return s.Map(func(p geometry.Point2D) geometry.Point2D {
		return geometry.Point2D{X: p.X / w, Y: p.Y / h}
	}), nil
}

// NormToPixel converts a normalized set back to pixel space. The dimensions
// must be the ones recorded when the set was normalized, never the dimensions
// of a possibly-resized copy read later.
func NormToPixel(s Set, width, height int) (Set, error) {
	if width <= 0 || height <= 0 {
		return Set{}, fmt.Errorf("invalid image dimensions %dx%d", width, height)
	}
	w, h := float64(width), float64(height)
	return s.Map(func(p geometry.Point2D) geometry.Point2D {
		return geometry.Point2D{X: p.X * w, Y: p.Y * h}
	}), nil
}

// NormToPercent converts a normalized set to percentage space.
func NormToPercent(s Set) Set {
	return s.Map(func(p geometry.Point2D) geometry.Point2D {
		return geometry.Point2D{X: p.X * 100, Y: p.Y * 100}
	})
}

// PercentToNorm converts a percentage-space set to normalized space.
func PercentToNorm(s Set) Set {
	return s.Map(func(p geometry.Point2D) geometry.Point2D {
		return geometry.Point2D{X: p.X / 100, Y: p.Y / 100}
	})
}
