package geometry

import "math"

// ProjectiveTransform represents a 3x3 homography matrix in row-major order.
// Points are mapped in homogeneous coordinates and dehomogenized on apply.
type ProjectiveTransform struct {
	M [3][3]float64
}

// IdentityProjective returns the identity homography.
func IdentityProjective() ProjectiveTransform {
	return ProjectiveTransform{M: [3][3]float64{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	}}
}

// Apply maps a point through the homography. Points on the line at infinity
// (w ~ 0) map to non-finite coordinates, which callers must check.
func (h ProjectiveTransform) Apply(p Point2D) Point2D {
	x := h.M[0][0]*p.X + h.M[0][1]*p.Y + h.M[0][2]
	y := h.M[1][0]*p.X + h.M[1][1]*p.Y + h.M[1][2]
	w := h.M[2][0]*p.X + h.M[2][1]*p.Y + h.M[2][2]
	return Point2D{X: x / w, Y: y / w}
}

// Inverse returns the inverse homography, if it exists.
func (h ProjectiveTransform) Inverse() (ProjectiveTransform, bool) {
	m := h.M

	// Cofactor expansion along the first row.
	c00 := m[1][1]*m[2][2] - m[1][2]*m[2][1]
	c01 := m[1][2]*m[2][0] - m[1][0]*m[2][2]
	c02 := m[1][0]*m[2][1] - m[1][1]*m[2][0]

	det := m[0][0]*c00 + m[0][1]*c01 + m[0][2]*c02
	if math.Abs(det) < 1e-12 {
		return ProjectiveTransform{}, false
	}
	invDet := 1.0 / det

	var inv ProjectiveTransform
	inv.M[0][0] = c00 * invDet
	inv.M[0][1] = (m[0][2]*m[2][1] - m[0][1]*m[2][2]) * invDet
	inv.M[0][2] = (m[0][1]*m[1][2] - m[0][2]*m[1][1]) * invDet
	inv.M[1][0] = c01 * invDet
	inv.M[1][1] = (m[0][0]*m[2][2] - m[0][2]*m[2][0]) * invDet
	inv.M[1][2] = (m[0][2]*m[1][0] - m[0][0]*m[1][2]) * invDet
	inv.M[2][0] = c02 * invDet
	inv.M[2][1] = (m[0][1]*m[2][0] - m[0][0]*m[2][1]) * invDet
	inv.M[2][2] = (m[0][0]*m[1][1] - m[0][1]*m[1][0]) * invDet
	return inv, true
}

// FromAffine lifts a 2x3 affine transform to a homography.
func FromAffine(t AffineTransform) ProjectiveTransform {
	return ProjectiveTransform{M: [3][3]float64{
		{t.A, t.B, t.TX},
		{t.C, t.D, t.TY},
		{0, 0, 1},
	}}
}
