// Package transform provides the 4x4 texture-coordinate matrices exchanged
// between texture producers and the blit stage, and the named corrections
// applied to them.
//
// Matrices are column-major, element (row r, column c) at index c*4+r, the
// layout used by OpenGL and android.opengl.Matrix.
package transform

import "math"

// Mat4 is a column-major 4x4 matrix.
type Mat4 [16]float32

// Identity returns the identity matrix.
func Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// FlipV returns the matrix mapping t to 1-t, the transform most platform
// texture producers report for top-first decoder buffers.
func FlipV() Mat4 {
	return Identity().Translate(0, 1, 0).Scale(1, -1, 1)
}

// At returns the element at row r, column c.
func (m Mat4) At(r, c int) float32 {
	return m[c*4+r]
}

// Translate returns m post-multiplied by a translation.
func (m Mat4) Translate(x, y, z float32) Mat4 {
	for i := 0; i < 4; i++ {
		m[12+i] += m[i]*x + m[4+i]*y + m[8+i]*z
	}
	return m
}

// Scale returns m post-multiplied by a scale.
func (m Mat4) Scale(x, y, z float32) Mat4 {
	for i := 0; i < 4; i++ {
		m[i] *= x
		m[4+i] *= y
		m[8+i] *= z
	}
	return m
}

// Mul returns m * n.
func (m Mat4) Mul(n Mat4) Mat4 {
	var out Mat4
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += m[k*4+r] * n[c*4+k]
			}
			out[c*4+r] = sum
		}
	}
	return out
}

// Apply maps the texture coordinate (s, t) through m.
func (m Mat4) Apply(s, t float32) (float32, float32) {
	x := m[0]*s + m[4]*t + m[12]
	y := m[1]*s + m[5]*t + m[13]
	w := m[3]*s + m[7]*t + m[15]
	if w != 0 && w != 1 {
		x /= w
		y /= w
	}
	return x, y
}

// ApproxEqual reports whether every element of m and n differs by at most eps.
func (m Mat4) ApproxEqual(n Mat4, eps float64) bool {
	for i := range m {
		if math.Abs(float64(m[i]-n[i])) > eps {
			return false
		}
	}
	return true
}

// IsAffine2D reports whether m only mixes the s and t axes plus translation,
// so it can be expressed as a 2x3 affine matrix.
func (m Mat4) IsAffine2D() bool {
	return m[3] == 0 && m[7] == 0 && m[15] == 1
}
