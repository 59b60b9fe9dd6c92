// Package boxes - box formats and overlap metrics for set-prediction detectors.
package boxes

import "fmt"

// Rect is an axis-aligned box in corner format.
type Rect struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// Center is an axis-aligned box in center-size format (cx, cy, w, h).
//
// Detector outputs and targets are expressed in this format, normalized to [0, 1]
// relative to the true (pre-padding) image size.
type Center struct {
	Cx float32 `json:"cx" yaml:"cx"`
	Cy float32 `json:"cy" yaml:"cy"`
	W  float32 `json:"w" yaml:"w"`
	H  float32 `json:"h" yaml:"h"`
}

// FromSlice builds a Center from the first four values of s, ordered (cx, cy, w, h).
//
// Arguments:
//   - s: A slice holding at least four values.
//
// Returns:
//   - Center: The decoded box.
func FromSlice(s []float32) Center {
	return Center{Cx: s[0], Cy: s[1], W: s[2], H: s[3]}
}

// Array returns the box as (cx, cy, w, h).
func (c Center) Array() [4]float32 {
	return [4]float32{c.Cx, c.Cy, c.W, c.H}
}

// Rect converts a center-size box to corner format.
//
// Returns:
//   - Rect: The box as (x1, y1, x2, y2).
//
// Example Usage:
// ```go
//
//	c := Center{Cx: 0.5, Cy: 0.5, W: 0.2, H: 0.4}
//	r := c.Rect() // Rect{X1: 0.4, Y1: 0.3, X2: 0.6, Y2: 0.7}
//
// ```
func (c Center) Rect() Rect {
	return Rect{
		X1: c.Cx - 0.5*c.W,
		Y1: c.Cy - 0.5*c.H,
		X2: c.Cx + 0.5*c.W,
		Y2: c.Cy + 0.5*c.H,
	}
}

// Center converts a corner box to center-size format.
func (r Rect) Center() Center {
	return Center{
		Cx: (r.X1 + r.X2) / 2,
		Cy: (r.Y1 + r.Y2) / 2,
		W:  r.X2 - r.X1,
		H:  r.Y2 - r.Y1,
	}
}

// Width returns the horizontal extent of the box.
func (r Rect) Width() float32 { return r.X2 - r.X1 }

// Height returns the vertical extent of the box.
func (r Rect) Height() float32 { return r.Y2 - r.Y1 }

// Area returns the area of the box, or 0 for degenerate boxes.
func (r Rect) Area() float32 {
	w, h := r.Width(), r.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Valid reports whether the box has non-negative width and height.
func (r Rect) Valid() bool {
	return r.X2 >= r.X1 && r.Y2 >= r.Y1
}

// Scale multiplies x coordinates by w and y coordinates by h, mapping a normalized box
// to absolute pixels.
//
// Arguments:
//   - w: The image width in pixels.
//   - h: The image height in pixels.
//
// Returns:
//   - Rect: The scaled box.
func (r Rect) Scale(w, h float32) Rect {
	return Rect{X1: r.X1 * w, Y1: r.Y1 * h, X2: r.X2 * w, Y2: r.Y2 * h}
}

// Clip restricts the box to [0, w] x [0, h].
func (r Rect) Clip(w, h float32) Rect {
	return Rect{
		X1: clamp(r.X1, 0, w),
		Y1: clamp(r.Y1, 0, h),
		X2: clamp(r.X2, 0, w),
		Y2: clamp(r.Y2, 0, h),
	}
}

// String formats the box for logs.
func (r Rect) String() string {
	return fmt.Sprintf("(%.2f, %.2f), (%.2f, %.2f)", r.X1, r.Y1, r.X2, r.Y2)
}

// L1 returns the summed absolute difference of the (cx, cy, w, h) components.
func L1(a, b Center) float32 {
	return abs(a.Cx-b.Cx) + abs(a.Cy-b.Cy) + abs(a.W-b.W) + abs(a.H-b.H)
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
