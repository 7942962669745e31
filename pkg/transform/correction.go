package transform

// Correction adapts a producer transform to the coordinate convention the
// consumer expects. It is applied by post-multiplication.
type Correction interface {
	Name() string
	Apply(m Mat4) Mat4
}

// CorrectionFunc adapts a function to the Correction interface.
type CorrectionFunc struct {
	Label string
	Fn    func(m Mat4) Mat4
}

// Name implements Correction.
func (c CorrectionFunc) Name() string { return c.Label }

// Apply implements Correction.
func (c CorrectionFunc) Apply(m Mat4) Mat4 { return c.Fn(m) }

// TopLeftOrigin flips the t axis around the texture centre: translate by
// (+0.5, +0.5), scale by (1, -1), translate by (-0.5, -0.5). It turns the
// bottom-left origin of GL texture space into the top-left origin of the
// CPU-readable target.
var TopLeftOrigin Correction = CorrectionFunc{
	Label: "top-left-origin",
	Fn: func(m Mat4) Mat4 {
		return m.Translate(0.5, 0.5, 0).Scale(1, -1, 1).Translate(-0.5, -0.5, 0)
	},
}

// None leaves the producer transform untouched.
var None Correction = CorrectionFunc{
	Label: "none",
	Fn:    func(m Mat4) Mat4 { return m },
}
