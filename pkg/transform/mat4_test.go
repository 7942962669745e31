package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityApply(t *testing.T) {
	s, tt := Identity().Apply(0.25, 0.75)
	assert.InDelta(t, 0.25, s, 1e-6)
	assert.InDelta(t, 0.75, tt, 1e-6)
}

func TestFlipV(t *testing.T) {
	m := FlipV()

	want := Mat4{
		1, 0, 0, 0,
		0, -1, 0, 0,
		0, 0, 1, 0,
		0, 1, 0, 1,
	}
	assert.True(t, m.ApproxEqual(want, 1e-6), "got %v", m)

	s, tt := m.Apply(0.2, 0.1)
	assert.InDelta(t, 0.2, s, 1e-6)
	assert.InDelta(t, 0.9, tt, 1e-6)
}

func TestTranslateMatchesMul(t *testing.T) {
	translation := Identity()
	translation[12], translation[13], translation[14] = 2, 3, 4

	m := FlipV().Scale(2, 3, 1)
	assert.True(t, m.Translate(2, 3, 4).ApproxEqual(m.Mul(translation), 1e-6))
}

func TestScaleMatchesMul(t *testing.T) {
	scale := Identity()
	scale[0], scale[5], scale[10] = 2, -1, 1

	m := FlipV().Translate(0.5, 0.5, 0)
	assert.True(t, m.Scale(2, -1, 1).ApproxEqual(m.Mul(scale), 1e-6))
}

func TestTopLeftOrigin(t *testing.T) {
	tests := []struct {
		name  string
		in    Mat4
		s, t  float32
		wantS float32
		wantT float32
	}{
		{"identity flips", Identity(), 0.3, 0.2, 0.3, 0.8},
		{"flipped producer becomes identity", FlipV(), 0.3, 0.2, 0.3, 0.2},
		{"centre is fixed", Identity(), 0.5, 0.5, 0.5, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, v := TopLeftOrigin.Apply(tt.in).Apply(tt.s, tt.t)
			assert.InDelta(t, tt.wantS, s, 1e-6)
			assert.InDelta(t, tt.wantT, v, 1e-6)
		})
	}
}

func TestTopLeftOriginOfFlipIsIdentity(t *testing.T) {
	assert.True(t, TopLeftOrigin.Apply(FlipV()).ApproxEqual(Identity(), 1e-6))
}

func TestNoneCorrection(t *testing.T) {
	m := FlipV()
	assert.Equal(t, m, None.Apply(m))
	assert.Equal(t, "none", None.Name())
	assert.Equal(t, "top-left-origin", TopLeftOrigin.Name())
}

func TestIsAffine2D(t *testing.T) {
	assert.True(t, FlipV().IsAffine2D())

	m := Identity()
	m[3] = 0.5
	assert.False(t, m.IsAffine2D())
}
